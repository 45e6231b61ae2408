package torrent

import (
	"encoding/json"
)

func decodeSettings(b []byte, defaults Settings) (Settings, error) {
	s := defaults
	if err := json.Unmarshal(b, &s); err != nil {
		return defaults, err
	}
	return s, s.Validate()
}

// Settings returns the current session settings.
func (s *Session) Settings() Settings {
	s.mSettings.RLock()
	defer s.mSettings.RUnlock()
	return s.settings
}

// ApplySettings replaces the session settings.
// The whole object is submitted to the engine in one call and persisted only after the engine accepts it.
// Per-torrent connection and upload limits are reapplied to every torrent.
func (s *Session) ApplySettings(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return newValidationError("%s", err)
	}
	b, err := json.Marshal(settings)
	if err != nil {
		return err
	}

	s.mRun.Lock()
	defer s.mRun.Unlock()
	old := s.Settings()
	port := s.listenPort
	if portChanged(old, settings) {
		port = settings.listenPort()
	}
	if s.running.Load() {
		if err = s.engine.ApplySettings(engineSettings(settings, port)); err != nil {
			return err
		}
	}
	if err = s.store.WriteSettings(b); err != nil {
		if s.running.Load() {
			if err2 := s.engine.ApplySettings(engineSettings(old, s.listenPort)); err2 != nil {
				s.log.Errorln("cannot restore previous settings:", err2)
			}
		}
		return err
	}
	s.mSettings.Lock()
	s.settings = settings
	s.mSettings.Unlock()
	s.listenPort = port

	for _, t := range s.ListTorrents() {
		t.applyLimits(settings)
	}
	s.log.Infoln("settings applied")
	return nil
}

func portChanged(a, b Settings) bool {
	return a.Port != b.Port || a.RandomPort != b.RandomPort || a.PortRangeFirst != b.PortRangeFirst || a.PortRangeSecond != b.PortRangeSecond
}
