package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/tou/config"
	"github.com/Clouded-Sabre/tou/lib"
	"github.com/Clouded-Sabre/tou/logging"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

func main() {
	serverIP := flag.String("serverIP", config.ServerIP, "Server IP address")
	serverPort := flag.Int("serverPort", config.ServerPort, "Server port")
	packetInterval := flag.Duration("interval", 500*time.Millisecond, "Interval between packets (e.g., 500ms, 1s)")
	configPath := flag.String("config", "config.yaml", "Configuration file")
	flag.Parse()

	cfg, err := config.ReadConfig(*configPath)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = config.DefaultConfig(), nil
	}
	if err != nil {
		log.Fatal().Err(err).Msg("configuration file error")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	core, err := lib.NewCore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start TOU core")
	}
	defer core.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, err := core.Dial(ctx, net.JoinHostPort(*serverIP, strconv.Itoa(*serverPort)))
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("error connecting")
		return
	}
	fmt.Printf("Echo client connected to %s from %s\n", conn.RemoteAddr(), conn.LocalAddr())
	fmt.Printf("Sending packets at %v interval (press Ctrl+C to exit)...\n", *packetInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var (
		buffer       = make([]byte, cfg.MaxPayloadSize)
		successCount int
		failureCount int
		packetCount  int
	)

	ticker := time.NewTicker(*packetInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-sigChan:
			break loop
		case <-ticker.C:
			packetCount++
			message := fmt.Sprintf("Echo message %d", packetCount)

			if _, err := conn.Write([]byte(message)); err != nil {
				log.Error().Err(err).Int("packet", packetCount).Msg("error writing")
				failureCount++
				break loop
			}

			// stay responsive to Ctrl+C while waiting for the echo
			conn.SetReadDeadline(time.Now().Add(*packetInterval + 100*time.Millisecond))
			n, err := io.ReadFull(conn, buffer[:len(message)])
			if err != nil {
				var te *lib.TimeoutError
				switch {
				case errors.As(err, &te):
					log.Warn().Int("packet", packetCount).Msg("read timeout, continuing")
					failureCount++
					continue
				case err == io.EOF:
					log.Info().Msg("server closed the connection")
					failureCount++
					break loop
				default:
					log.Error().Err(err).Int("packet", packetCount).Msg("error reading")
					failureCount++
					break loop
				}
			}

			if response := string(buffer[:n]); response == message {
				log.Info().Int("packet", packetCount).Msg("echo match")
				successCount++
			} else {
				log.Warn().Int("packet", packetCount).Str("expected", message).Str("got", response).Msg("echo mismatch")
				failureCount++
			}
		}
	}

	fmt.Printf("\n=== Echo Client Statistics ===\n")
	fmt.Printf("Total packets sent: %d\n", packetCount)
	fmt.Printf("Successful echoes: %d\n", successCount)
	fmt.Printf("Failed echoes: %d\n", failureCount)
	if packetCount > 0 {
		fmt.Printf("Success rate: %.1f%%\n", float64(successCount)/float64(packetCount)*100)
	}

	if err := conn.Close(); err != nil {
		log.Warn().Err(err).Msg("close handshake")
	}
	fmt.Println("Echo client exit")
}
