package main

import (
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fox-gonic/fox"
	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// agentsim is a stand-in pipeline agent for local development and
// integration testing. It speaks the three contracts the control plane
// relies on: GET /health, POST /graphql introspection and
// POST /api/deploy, plus a Prometheus metrics endpoint.

var deploysTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "agentsim_deploys_total",
	Help: "Config documents accepted via /api/deploy.",
})

type simState struct {
	mu         sync.Mutex
	config     string
	components int
	started    time.Time
}

func (s *simState) apply(content string) error {
	var doc map[string]any
	if err := toml.Unmarshal([]byte(content), &doc); err != nil {
		return err
	}
	count := 0
	for _, section := range []string{"sources", "transforms", "sinks"} {
		if m, ok := doc[section].(map[string]any); ok {
			count += len(m)
		}
	}
	s.mu.Lock()
	s.config = content
	s.components = count
	s.mu.Unlock()
	return nil
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	log.Info().Msg("Starting agentsim")

	bindAddr := ":8686"
	if port := os.Getenv("AGENTSIM_PORT"); port != "" {
		bindAddr = ":" + port
	}
	version := os.Getenv("AGENTSIM_VERSION")
	if version == "" {
		version = "0.39.0-sim"
	}

	state := &simState{started: time.Now()}

	router := fox.New()

	router.GET("/health", func(c *fox.Context) {
		c.JSON(http.StatusOK, map[string]any{"ok": true})
	})

	router.POST("/graphql", func(c *fox.Context) {
		state.mu.Lock()
		components := state.components
		state.mu.Unlock()
		c.JSON(http.StatusOK, map[string]any{
			"data": map[string]any{
				"meta":       map[string]any{"versionString": version},
				"uptime":     map[string]any{"seconds": time.Since(state.started).Seconds()},
				"components": map[string]any{"totalCount": components},
			},
		})
	})

	router.POST("/api/deploy", func(c *fox.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{"error": "read body: " + err.Error()})
			return
		}
		if err := state.apply(string(body)); err != nil {
			c.JSON(http.StatusUnprocessableEntity, map[string]any{"error": "invalid config: " + err.Error()})
			return
		}
		deploysTotal.Inc()
		log.Info().Int("bytes", len(body)).Msg("config applied")
		c.JSON(http.StatusOK, map[string]any{"applied": true})
	})

	router.GET("/api/config", func(c *fox.Context) {
		state.mu.Lock()
		config := state.config
		state.mu.Unlock()
		c.Writer.Header().Set("Content-Type", "application/toml")
		c.Writer.WriteHeader(http.StatusOK)
		c.Writer.Write([]byte(config))
	})

	router.GET("/metrics", func(c *fox.Context) {
		promhttp.Handler().ServeHTTP(c.Writer, c.Request)
	})

	log.Info().Msgf("Starting agentsim on %s", bindAddr)
	if err := router.Run(bindAddr); err != nil {
		log.Fatal().Err(err).Msg("Failed to start agentsim")
	}
}
