package config

import "testing"

func FuzzLoadFromBytes(f *testing.F) {
	// Seed corpus: valid configs
	f.Add([]byte(`
admin:
  enabled: false
dependencies:
  - name: news
    base_url: "http://localhost:3000"
`))
	f.Add([]byte(`
server:
  port: 9090
admin:
  enabled: true
  ip_allowlist: ["127.0.0.0/8"]
  jwt_secret: "secret"
  issuer: "iss"
  audience: "aud"
cache:
  max_entries: 100
  ttls:
    billdetails: 10m
dependencies:
  - name: scraper
    base_url: "https://backend:3000"
    breaker:
      failure_threshold: 3
      reset_timeout: 10s
      half_open_successes: 2
`))

	// Edge cases
	f.Add([]byte(``))
	f.Add([]byte(`dependencies: []`))
	f.Add([]byte(`server: { port: 0 }`))
	f.Add([]byte(`coordinator: { max_concurrent: 1, queue_capacity: 1 }`))

	f.Fuzz(func(t *testing.T, data []byte) {
		// LoadFromBytes must never panic regardless of input.
		cfg, err := LoadFromBytes(data)
		if err != nil {
			return
		}
		// If parsing succeeded, verify invariants that validation should enforce.
		if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
			t.Errorf("invalid port escaped validation: %d", cfg.Server.Port)
		}
		if cfg.Cache.MaxEntries < 1 {
			t.Errorf("non-positive cache size escaped validation: %d", cfg.Cache.MaxEntries)
		}
		if cfg.Coordinator.MaxConcurrent < 1 {
			t.Errorf("non-positive concurrency escaped validation: %d", cfg.Coordinator.MaxConcurrent)
		}
	})
}
