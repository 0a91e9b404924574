// Package main is the PlayLedger device agent. It queues gameplay sessions
// locally, submits them with the account's API key and uploads save backups.
package main

import (
	"cmp"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atinyakov/PlayLedger/internal/agent"
	"github.com/atinyakov/PlayLedger/internal/logger"
	"go.uber.org/zap"
)

var (
	version   string
	buildDate string
)

func main() {
	var (
		cmd       string
		baseURL   string
		apiKey    string
		caFile    string
		queuePath string
		deviceID  string
		game      string
		platform  string
		start     string
		duration  float64
		file      string
		interval  time.Duration
		logLevel  string
		showVer   bool
	)

	flag.StringVar(&cmd, "cmd", "", "command: session | backup | flush | watch")
	flag.StringVar(&baseURL, "url", cmp.Or(os.Getenv("PLAYLEDGER_URL"), "http://localhost:8080"), "server base URL")
	flag.StringVar(&apiKey, "key", os.Getenv("PLAYLEDGER_API_KEY"), "device API key")
	flag.StringVar(&caFile, "ca", "", "path to a CA cert for self-signed servers")
	flag.StringVar(&queuePath, "queue", "playledger-queue.json", "path to the local session queue")
	flag.StringVar(&deviceID, "device", cmp.Or(os.Getenv("PLAYLEDGER_DEVICE_ID"), hostname()), "device identifier")
	flag.StringVar(&game, "game", "", "game name (session)")
	flag.StringVar(&platform, "platform", "", "platform (session)")
	flag.StringVar(&start, "start", "", "session start, RFC 3339 (default: now minus duration)")
	flag.Float64Var(&duration, "duration", 0, "session duration in seconds")
	flag.StringVar(&file, "file", "", "save file to upload (backup)")
	flag.DurationVar(&interval, "interval", time.Minute, "flush interval (watch)")
	flag.StringVar(&logLevel, "l", "info", "log level")
	flag.BoolVar(&showVer, "version", false, "show build version and date")
	flag.Parse()

	if showVer {
		fmt.Printf("PlayLedger Agent\nVersion: %s\nBuild Date: %s\n", version, buildDate)
		return
	}
	if apiKey == "" {
		log.Fatal("please provide -key or PLAYLEDGER_API_KEY")
	}

	lg := logger.New()
	if err := lg.Init(logLevel); err != nil {
		log.Fatal(err)
	}
	defer func() { _ = lg.Log.Sync() }()
	zapLogger := lg.Log

	httpClient, err := agent.NewHTTPClient(caFile, 30*time.Second)
	if err != nil {
		zapLogger.Fatal("cannot build http client", zap.Error(err))
	}
	client := &agent.Client{HTTP: httpClient, BaseURL: baseURL, APIKey: apiKey, Log: zapLogger}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "session":
		q := openQueue(queuePath, zapLogger)
		s, err := buildSession(deviceID, game, platform, start, duration)
		if err != nil {
			zapLogger.Fatal("invalid session", zap.Error(err))
		}
		if _, err := q.Add(s); err != nil {
			zapLogger.Fatal("cannot queue session", zap.Error(err))
		}
		flush(ctx, client, q, zapLogger)
	case "flush":
		flush(ctx, client, openQueue(queuePath, zapLogger), zapLogger)
	case "watch":
		q := openQueue(queuePath, zapLogger)
		flush(ctx, client, q, zapLogger)
		agent.StartAutoFlush(ctx, client, q, interval)
		zapLogger.Info("watching queue", zap.String("queue", queuePath), zap.Duration("interval", interval))
		<-ctx.Done()
	case "backup":
		if file == "" {
			zapLogger.Fatal("please provide -file")
		}
		info, err := client.UploadBackup(ctx, deviceID, file)
		if err != nil {
			zapLogger.Fatal("backup upload failed", zap.Error(err))
		}
		zapLogger.Info("backup uploaded",
			zap.String("backup_id", info.ID),
			zap.String("file", info.FileName),
			zap.Int64("size", info.FileSize),
			zap.String("checksum", info.Checksum),
		)
	default:
		zapLogger.Fatal("unknown command", zap.String("cmd", cmd))
	}
}

func openQueue(path string, zapLogger *zap.Logger) *agent.Queue {
	q, err := agent.OpenQueue(path)
	if err != nil {
		zapLogger.Fatal("cannot open queue", zap.Error(err))
	}
	return q
}

// flush reports failures without exiting non-zero; queued sessions are
// retried on the next run.
func flush(ctx context.Context, client *agent.Client, q *agent.Queue, zapLogger *zap.Logger) {
	sent, err := client.Flush(ctx, q)
	if err != nil {
		zapLogger.Warn("sessions left queued", zap.Int("sent", sent), zap.Int("queued", q.Len()), zap.Error(err))
		return
	}
	zapLogger.Info("queue flushed", zap.Int("sent", sent))
}

func buildSession(deviceID, game, platform, start string, duration float64) (agent.Session, error) {
	if game == "" || platform == "" {
		return agent.Session{}, fmt.Errorf("-game and -platform are required")
	}

	startTime := time.Now().UTC().Add(-time.Duration(duration * float64(time.Second)))
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return agent.Session{}, fmt.Errorf("-start: %w", err)
		}
		startTime = t.UTC()
	}

	s := agent.Session{
		DeviceID:  deviceID,
		GameName:  game,
		Platform:  platform,
		StartTime: startTime,
		Duration:  duration,
	}
	if err := s.Validate(); err != nil {
		return agent.Session{}, err
	}
	return s, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown-device"
	}
	return h
}
