package storage

import (
	"fmt"
	"time"
)

// StartSweep launches a periodic background sweep that removes files older
// than maxAge from the storage directory, following the same
// panic-recovering ticker-goroutine idiom used by the registry and broker
// background sweeps.
func (s *Storage) StartSweep(interval, maxAge time.Duration) {
	s.sweepOnce.Do(func() { s.stopSweep = make(chan struct{}) })

	s.sweepWG.Add(1)
	go func() {
		defer s.sweepWG.Done()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Str("panic", fmt.Sprintf("%v", rec)).Msg("Recovered from panic in storage cleanup sweep")
			}
		}()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopSweep:
				return
			case <-ticker.C:
				if _, err := s.CleanupExpired(maxAge); err != nil {
					s.logger.Warn().Err(err).Msg("Storage: cleanup sweep failed")
				}
			}
		}
	}()
}

// StopSweep stops the periodic sweep and waits for it to exit. A no-op if
// StartSweep was never called.
func (s *Storage) StopSweep() {
	s.sweepOnce.Do(func() { s.stopSweep = make(chan struct{}) })
	select {
	case <-s.stopSweep:
		// already closed
	default:
		close(s.stopSweep)
	}
	s.sweepWG.Wait()
}
