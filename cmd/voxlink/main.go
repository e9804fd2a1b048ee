// Command voxlink is an interactive terminal client for a voxlink voice
// server. It streams microphone audio up, plays assistant audio back, and
// prints the conversation as it happens.
//
// Commands on stdin:
//
//	/start            begin a conversation
//	/stop             end the conversation
//	/interrupt        cut the assistant off
//	/image PATH [PROMPT...]  upload an image for vision analysis
//	/reset            clear the conversation history
//	/dismiss          dismiss the surfaced error
//	/state            print a state summary
//	/quit             exit
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voxlink/voxlink/pkg/audio"
	"github.com/voxlink/voxlink/pkg/audio/capture"
	"github.com/voxlink/voxlink/pkg/audio/playback"
	"github.com/voxlink/voxlink/pkg/connection"
	"github.com/voxlink/voxlink/pkg/conversation"
	"github.com/voxlink/voxlink/pkg/dispatch"
	"github.com/voxlink/voxlink/pkg/metrics"
)

func main() {
	var (
		serverURL   = flag.String("server", "", "voice server WebSocket URL (default $VOXLINK_SERVER_URL)")
		frameMS     = flag.Int("frame-ms", 100, "microphone fragment size in milliseconds")
		metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address (empty = disabled)")
		envFile     = flag.String("env", "", "load environment from this file before reading flags' env defaults")
		noMic       = flag.Bool("no-mic", false, "run without a microphone (text/image commands only)")
		noSpeaker   = flag.Bool("no-speaker", false, "discard assistant audio instead of playing it")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "loading %s: %v\n", *envFile, err)
			os.Exit(1)
		}
	} else {
		_ = godotenv.Load()
	}

	url := *serverURL
	if url == "" {
		url = os.Getenv("VOXLINK_SERVER_URL")
	}
	if url == "" {
		fmt.Fprintln(os.Stderr, "no server URL: pass -server or set VOXLINK_SERVER_URL")
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	reg := metrics.New("voxlink")
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		go func() {
			logger.Info("metrics listening", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server", "error", err)
			}
		}()
	}

	var sink playback.Sink
	if *noSpeaker {
		sink = discardSink{}
	} else {
		s, err := playback.NewOtoSink(audio.PlaybackConfig())
		if err != nil {
			logger.Error("opening speaker", "error", err)
			os.Exit(1)
		}
		sink = s
	}
	queue := playback.NewQueue(sink, playback.Config{Logger: logger, Metrics: reg})
	defer queue.Close()

	var device capture.Device
	if *noMic {
		device = silentDevice{}
	} else {
		device = capture.NewMalgoDevice()
	}
	pipeline := capture.NewPipeline(device, capture.Config{
		FrameInterval: time.Duration(*frameMS) * time.Millisecond,
		Logger:        logger,
		Metrics:       reg,
	})
	defer pipeline.Close()

	machine := conversation.NewMachine(queue, pipeline, conversation.Config{Logger: logger})

	mgr := connection.NewManager(connection.Config{
		URL:     url,
		Logger:  logger,
		Metrics: reg,
	})
	defer mgr.Close()

	d := dispatch.New(mgr, machine, dispatch.Config{Logger: logger, Metrics: reg})
	defer d.Close()

	pipeline.OnFrame(d.SubmitAudio)
	pipeline.OnError(func(err error) {
		fmt.Printf("! microphone lost: %v\n", err)
	})
	mgr.OnMessage(d.HandleFrame)
	mgr.OnStatus(d.HandleStatus)

	machine.OnMessage(func(msg conversation.ChatMessage) {
		switch msg.Role {
		case conversation.RoleUser:
			fmt.Printf("you> %s\n", msg.Content)
		case conversation.RoleAssistant:
			fmt.Printf("assistant> %s\n", msg.Content)
		default:
			fmt.Printf("! %s\n", msg.Content)
		}
	})
	machine.OnPhase(func(p conversation.Phase) {
		fmt.Printf("-- %s\n", p)
	})

	mgr.Connect()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println()
		d.StopConversation()
		os.Exit(0)
	}()

	fmt.Printf("connecting to %s (type /start to begin, /quit to exit)\n", url)
	runPrompt(os.Stdin, d, machine)
}

// runPrompt reads slash commands from r until EOF or /quit.
func runPrompt(r *os.File, d *dispatch.Dispatcher, machine *conversation.Machine) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		cmd, rest := splitCommand(scanner.Text())
		switch cmd {
		case "":
			continue
		case "/start":
			d.StartConversation()
		case "/stop":
			d.StopConversation()
		case "/interrupt":
			d.Interrupt()
		case "/image":
			path, prompt := splitCommand(rest)
			if path == "" {
				fmt.Println("usage: /image PATH [PROMPT...]")
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Printf("! reading image: %v\n", err)
				continue
			}
			d.UploadImage(data, prompt)
		case "/reset":
			machine.Reset()
		case "/dismiss":
			machine.DismissError()
		case "/state":
			printState(machine.Snapshot())
		case "/quit", "/exit":
			d.StopConversation()
			return
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
	}
}

// splitCommand splits off the first whitespace-delimited word.
func splitCommand(line string) (first, rest string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i], strings.TrimSpace(line[i+1:])
	}
	return line, ""
}

func printState(s conversation.State) {
	fmt.Printf("phase=%s connected=%v session=%q messages=%d\n",
		s.Phase, s.Connected, s.SessionID, len(s.Messages))
	if s.CurrentTranscript != "" {
		fmt.Printf("transcribing: %s\n", s.CurrentTranscript)
	}
	if s.CurrentLLMResponse != "" {
		fmt.Printf("streaming: %s\n", s.CurrentLLMResponse)
	}
	if s.ActiveTool != nil {
		fmt.Printf("tool: %s (%s)\n", s.ActiveTool.Name, s.ActiveTool.Status)
	}
	if s.Err != nil {
		fmt.Printf("error: %s\n", s.Err.Message)
	}
}

// discardSink drops assistant audio for speakerless runs.
type discardSink struct{}

func (discardSink) Play([]byte) error { return nil }
func (discardSink) Reset()            {}
func (discardSink) Close() error      { return nil }

// silentDevice satisfies the capture contract without a microphone.
type silentDevice struct{}

func (silentDevice) RequestAccess() capture.AccessStatus {
	return capture.AccessStatus{State: capture.AccessGranted}
}
func (silentDevice) Open(audio.Config, func([]byte), func(error)) error { return nil }
func (silentDevice) Start() error                                      { return nil }
func (silentDevice) Stop() error                                       { return nil }
func (silentDevice) Close() error                                      { return nil }
