package main

import (
	"flag"
	"io"
	"io/fs"
	"net"
	"strconv"

	"github.com/Clouded-Sabre/tou/config"
	"github.com/Clouded-Sabre/tou/lib"
	"github.com/Clouded-Sabre/tou/logging"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

func main() {
	serviceIP := flag.String("serviceIP", config.ServerIP, "Service IP address to listen on")
	port := flag.Int("port", config.ServerPort, "Service port")
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

	srv, err := core.Listen(net.JoinHostPort(*serviceIP, strconv.Itoa(*port)))
	if err != nil {
		log.Fatal().Err(err).Msg("listen error")
	}
	log.Info().Str("addr", srv.Addr().String()).Msg("echo server listening")

	for {
		conn, err := srv.Accept()
		if err != nil {
			log.Error().Err(err).Msg("accept error")
			if errors.Is(err, lib.ErrSocketClosed) {
				return
			}
			continue
		}
		log.Info().Str("remote", conn.RemoteAddr().String()).Msg("new connection")
		go handleConn(conn, cfg.MaxPayloadSize)
	}
}

func handleConn(c net.Conn, bufSize int) {
	defer c.Close()
	buf := make([]byte, bufSize)
	for {
		n, err := c.Read(buf)
		if err != nil {
			if err == io.EOF {
				log.Info().Str("remote", c.RemoteAddr().String()).Msg("connection closed by client")
				return
			}
			log.Error().Err(err).Msg("read error")
			return
		}
		log.Debug().Str("data", string(buf[:n])).Msg("echo server got")
		if _, err := c.Write(buf[:n]); err != nil {
			log.Error().Err(err).Msg("write error")
			return
		}
	}
}
