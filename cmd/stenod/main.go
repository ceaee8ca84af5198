// Command stenod is the transcription daemon: run starts it in the
// foreground (under a supervisor or a launch agent), status queries a
// running instance over the control socket, and install/uninstall manage
// an auxiliary launch-agent descriptor.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"stenod/internal/archive"
	"stenod/internal/audiosrc"
	"stenod/internal/broadcast"
	"stenod/internal/config"
	"stenod/internal/coordinator"
	"stenod/internal/dispatch"
	"stenod/internal/engine"
	"stenod/internal/paths"
	"stenod/internal/permission"
	"stenod/internal/proto"
	"stenod/internal/recognizer"
	"stenod/internal/socket"
	"stenod/internal/store"
	"stenod/internal/summarizer"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: stenod <run|status|install|uninstall|archive-info> [flags]")
		os.Exit(1)
	}

	subcommand := os.Args[1]
	args := os.Args[2:]

	// archive-info takes a positional session id ahead of its flags.
	var sessionID string
	if subcommand == "archive-info" {
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "usage: stenod archive-info <session-id> [flags]")
			os.Exit(1)
		}
		sessionID = args[0]
		args = args[1:]
	}

	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stenod: %v\n", err)
		os.Exit(1)
	}

	var code int
	switch subcommand {
	case "run":
		code = runDaemon(cfg)
	case "status":
		code = runStatus(cfg)
	case "install":
		code = runInstall(cfg)
	case "uninstall":
		code = runUninstall(cfg)
	case "archive-info":
		code = runArchiveInfo(cfg, sessionID)
	default:
		fmt.Fprintf(os.Stderr, "stenod: unknown command %q\n", subcommand)
		code = 1
	}
	os.Exit(code)
}

// runDaemon implements component K: startup ordering, the signal wait,
// and teardown ordering.
func runDaemon(cfg *config.Config) int {
	logFile := setupLogging(cfg.LogPath)
	if logFile != nil {
		defer logFile.Close()
	}

	if err := config.EnsureBaseDir(cfg); err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}

	lock := paths.New(cfg.PidPath)
	acquired, livePid, err := lock.Acquire()
	if err != nil {
		log.Printf("fatal: acquire pidfile: %v", err)
		return 1
	}
	if !acquired {
		fmt.Fprintf(os.Stderr, "stenod: another instance is already running (pid %d)\n", livePid)
		return 2
	}
	defer lock.Release()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Printf("fatal: open database: %v", err)
		return 1
	}
	defer db.Close()

	// A session still marked active means the previous daemon process
	// exited without a graceful stop; reconcile it to interrupted.
	if prior, err := db.ActiveSession(); err != nil {
		log.Printf("warning: check active session: %v", err)
	} else if prior != nil {
		if err := db.EndSession(prior.ID, store.SessionInterrupted); err != nil {
			log.Printf("warning: interrupt stale session %s: %v", prior.ID, err)
		}
	}

	provider, err := audiosrc.NewProvider()
	if err != nil {
		log.Printf("fatal: init audio backend: %v", err)
		return 1
	}
	defer provider.Close()

	b := broadcast.New()

	var sum summarizer.Summarizer
	modelID := "heuristic"
	if cfg.AutoImproveWithLLM {
		sum = summarizer.NewOllama(cfg.OllamaURL, cfg.OllamaModel)
		modelID = cfg.OllamaModel
	} else {
		sum = summarizer.Heuristic{}
	}

	coordCfg := coordinator.Config{
		TriggerCount:  cfg.TriggerCount,
		TimeThreshold: time.Duration(cfg.TimeThresholdMS) * time.Millisecond,
		ModelID:       modelID,
	}
	coord := coordinator.New(db, sum, coordCfg,
		func(sessionID string, topics []store.Topic) {
			b.Broadcast(proto.Event{Event: string(proto.EventTopics), Title: joinTitles(topics)})
		},
		func(sessionID string, processing bool) {
			b.Broadcast(proto.Event{Event: string(proto.EventModelProcessing), ModelProcessing: processing})
		},
	)

	sourceFn := func(kind audiosrc.Kind, deviceID string) audiosrc.Source {
		if kind == audiosrc.KindSystemAudio {
			return audiosrc.NewSystemAudioSource(provider, deviceID)
		}
		return audiosrc.NewMicrophoneSource(provider, deviceID)
	}

	recognizerFn := func() recognizer.Recognizer {
		return recognizer.NewSherpaRecognizer(recognizer.SherpaConfig{
			EncoderPath: filepath.Join(cfg.RecognizerModelPath, "encoder.onnx"),
			DecoderPath: filepath.Join(cfg.RecognizerModelPath, "decoder.onnx"),
			JoinerPath:  filepath.Join(cfg.RecognizerModelPath, "joiner.onnx"),
			TokensPath:  filepath.Join(cfg.RecognizerModelPath, "tokens.txt"),
		})
	}

	listDevices := func() ([]string, error) {
		devices, err := provider.ListDevices()
		if err != nil {
			return nil, err
		}
		names := make([]string, len(devices))
		for i, d := range devices {
			names[i] = d.Name
		}
		return names, nil
	}

	eng := engine.New(db, b, coord, sourceFn, recognizerFn, listDevices, permission.AlwaysGranted{}, cfg.BaseDir)
	disp := dispatch.New(eng, b, cfg.Locale)
	srv := socket.New(cfg.SocketPath, disp, b.Unsubscribe)

	if err := srv.Start(); err != nil {
		log.Printf("fatal: start socket server: %v", err)
		return 1
	}

	log.Printf("stenod listening on %s", cfg.SocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("stenod shutting down")
	if emit := eng.Stop(); emit != nil {
		emit()
	}
	if err := srv.Stop(); err != nil {
		log.Printf("warning: socket server stop: %v", err)
	}
	return 0
}

func joinTitles(topics []store.Topic) string {
	titles := make([]string, len(topics))
	for i, t := range topics {
		titles[i] = t.Title
	}
	return strings.Join(titles, ", ")
}

func setupLogging(path string) *os.File {
	if path == "" {
		return nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stenod: failed to open log %s: %v\n", path, err)
		return nil
	}
	log.SetOutput(io.MultiWriter(os.Stdout, file))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	return file
}

// runStatus connects to a running daemon's control socket, sends a
// status command, and prints the reply - it does not touch the database
// or pidfile directly, since only the daemon itself is the single writer.
func runStatus(cfg *config.Config) int {
	conn, err := net.DialTimeout("unix", cfg.SocketPath, 2*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stenod: not running (%v)\n", err)
		return 1
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"cmd":"status"}` + "\n")); err != nil {
		fmt.Fprintf(os.Stderr, "stenod: write status request: %v\n", err)
		return 1
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "stenod: read status response: %v\n", err)
		return 1
	}

	var resp proto.Response
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &resp); err != nil {
		fmt.Fprintf(os.Stderr, "stenod: decode status response: %v\n", err)
		return 1
	}

	fmt.Printf("recording=%v status=%s sessionId=%s segments=%d\n", resp.Recording, resp.Status, resp.SessionID, resp.Segments)
	return 0
}

// runInstall generates a launch-agent descriptor pointed at the
// configured executable. It only writes a file, never touches the
// daemon's own lifecycle.
func runInstall(cfg *config.Config) int {
	path, err := launchAgentPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stenod: %v\n", err)
		return 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "stenod: create launch agent dir: %v\n", err)
		return 1
	}
	plist := launchAgentPlist(cfg.ExecutablePath)
	if err := os.WriteFile(path, []byte(plist), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "stenod: write launch agent: %v\n", err)
		return 1
	}
	fmt.Printf("installed launch agent at %s\n", path)
	return 0
}

func runUninstall(cfg *config.Config) int {
	path, err := launchAgentPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stenod: %v\n", err)
		return 1
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "stenod: remove launch agent: %v\n", err)
		return 1
	}
	fmt.Printf("removed launch agent %s\n", path)
	return 0
}

// runArchiveInfo decodes a session's archived audio and prints its
// duration, a read-only diagnostic over the archive the daemon writes
// while recording. It never touches the database or a running daemon.
func runArchiveInfo(cfg *config.Config, sessionID string) int {
	path := filepath.Join(cfg.BaseDir, "sessions", sessionID, "audio.mp3")
	r, err := archive.OpenReader(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stenod: %v\n", err)
		return 1
	}
	defer r.Close()

	fmt.Printf("session=%s path=%s sampleRate=%d durationSec=%.1f\n", sessionID, path, r.SampleRate(), r.Duration())
	return 0
}

func launchAgentPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, "Library", "LaunchAgents", "com.stenod.daemon.plist"), nil
}

func launchAgentPlist(executablePath string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>com.stenod.daemon</string>
	<key>ProgramArguments</key>
	<array>
		<string>%s</string>
		<string>run</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
</dict>
</plist>
`, executablePath)
}
