package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/client"
	"github.com/dkeye/callsig/internal/core"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/api/ws/signal", "signaling endpoint")
	token := flag.String("token", os.Getenv("CALLSIG_TOKEN"), "bearer token")
	attempts := flag.Int("attempts", client.DefaultBackoff.MaxAttempts, "max consecutive dial attempts (0 = forever)")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := client.New(*url, *token)
	c.Backoff.MaxAttempts = *attempts

	// each stdin line is sent as a raw envelope
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			var env core.Envelope
			if err := json.Unmarshal([]byte(line), &env); err != nil {
				log.Error().Err(err).Msg("bad envelope")
				continue
			}
			if err := c.Send(env); err != nil {
				log.Error().Err(err).Msg("send")
			}
		}
	}()

	err := c.Run(ctx, func(env core.Envelope) {
		b, _ := json.Marshal(env)
		fmt.Println(string(b))
	})
	if err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("client stopped")
	}
}
