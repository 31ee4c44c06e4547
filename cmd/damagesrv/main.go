// Command damagesrv is the reference binary wiring every damage-pipeline
// package into a runnable WHEP-style server: viewers POST an SDP offer,
// get back an SDP answer over one data channel carrying draw packets and
// acks, and a synthetic capture source feeds one demo window so the
// pipeline has something to batch, select, and encode. Flag/env parsing
// and graceful shutdown are grounded on the teacher's cmd/whep/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/xpra-go/dampipe/internal/codec"
	"github.com/xpra-go/dampipe/internal/config"
	"github.com/xpra-go/dampipe/internal/connsource"
	"github.com/xpra-go/dampipe/internal/csc"
	"github.com/xpra-go/dampipe/internal/democapture"
	"github.com/xpra-go/dampipe/internal/mmapregion"
	"github.com/xpra-go/dampipe/internal/transport/webrtcsink"
	"github.com/xpra-go/dampipe/internal/version"
	"github.com/xpra-go/dampipe/internal/window"
	"github.com/xpra-go/dampipe/internal/wire"
	"github.com/xpra-go/dampipe/internal/xlog"
)

// demoWindowID is the single window the synthetic capture source drives;
// a real capture backend would enumerate many.
const demoWindowID uint64 = 1

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	host := flag.String("host", getEnv("HOST", "0.0.0.0"), "bind host")
	port := flag.Int("port", getEnvInt("PORT", 8000), "bind port")
	confPath := flag.String("config", getEnv("CONFIG_FILE", ""), "optional config file path")
	logLevel := flag.String("log-level", getEnv("LOG_LEVEL", ""), "overrides config log_level if set")
	logPretty := flag.Bool("log-pretty", getEnvBool("LOG_PRETTY", false), "console-format logs instead of JSON")
	fps := flag.Int("fps", getEnvInt("FPS", 30), "synthetic capture fps")
	width := flag.Int("width", getEnvInt("WIDTH", 1280), "synthetic capture width")
	height := flag.Int("height", getEnvInt("HEIGHT", 720), "synthetic capture height")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.Load(*confPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "damagesrv: config:", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logPretty {
		cfg.LogPretty = true
	}
	log := xlog.New(cfg.LogLevel, cfg.LogPretty)

	codecs := codec.NewRegistry()
	cscReg := csc.NewRegistry()
	capture := democapture.New(*width, *height, *fps)

	var mmapRing *mmapregion.Ring
	if cfg.Mmap.Enabled && cfg.Mmap.Path != "" {
		mmapRing, err = mmapregion.NewRing(cfg.Mmap.Path, cfg.Mmap.SizeBytes)
		if err != nil {
			log.Warn().Err(err).Msg("mmap ring unavailable, falling back to encoded path")
		} else {
			defer mmapRing.Close()
		}
	}

	ctx, cancelCapture := context.WithCancel(context.Background())
	go capture.Run(ctx)

	srv := newDemoServer(log, cfg, codecs, cscReg, capture, mmapRing)

	mux := http.NewServeMux()
	mux.HandleFunc("/whep", srv.handleOffer)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", *host, *port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("damagesrv listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	cancelCapture()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	srv.closeAll()
}

// demoServer answers one offer per POST /whep, spinning up a fresh
// connsource.Source and webrtcsink.Sink per viewer and bridging the
// synthetic capture source's damage events into that connection's demo
// window.
type demoServer struct {
	log     zerolog.Logger
	cfg     config.Config
	codecs  *codec.Registry
	cscReg  *csc.Registry
	capture *democapture.Source
	mmap    *mmapregion.Ring

	mu    sync.Mutex
	conns map[*connsource.Source]context.CancelFunc
}

func newDemoServer(log zerolog.Logger, cfg config.Config, codecs *codec.Registry, cscReg *csc.Registry, capture *democapture.Source, mmap *mmapregion.Ring) *demoServer {
	return &demoServer{
		log:     log,
		cfg:     cfg,
		codecs:  codecs,
		cscReg:  cscReg,
		capture: capture,
		mmap:    mmap,
		conns:   make(map[*connsource.Source]context.CancelFunc),
	}
}

func (d *demoServer) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	offer, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var connSrc *connsource.Source
	sink, answer, err := webrtcsink.Answer(offer, func(ack wire.Ack) {
		connSrc.HandleAck(ack)
	})
	if err != nil {
		d.log.Error().Err(err).Msg("whep: answer")
		http.Error(w, "answer failed", http.StatusInternalServerError)
		return
	}

	connSrc = connsource.New(connsource.Config{
		Log: d.log,
		Cfg: d.cfg,
		Caps: wire.Capabilities{
			RGBFormats:    []string{"bgra32", "rgb24"},
			SupportsDelta: []string{"rgb32", "rgb24", "png"},
			Mmap:          d.mmap != nil,
		},
		Sink:   sink,
		Codecs: d.codecs,
		CscReg: d.cscReg,
		Mmap:   d.mmap,
		OnIdle: d.forgetConn,
	})

	connCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.conns[connSrc] = cancel
	d.mu.Unlock()

	go d.driveDemoWindow(connCtx, connSrc)

	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(answer)
}

// driveDemoWindow bridges the synthetic capture source's DamageEvents into
// Damage calls on the connection's one demo window, until ctx is cancelled
// or the capture source closes the channel.
func (d *demoServer) driveDemoWindow(ctx context.Context, connSrc *connsource.Source) {
	events, err := d.capture.Subscribe(ctx, demoWindowID)
	if err != nil {
		d.log.Error().Err(err).Msg("demo window: subscribe")
		return
	}

	traits := window.Traits{
		ClientSupportsVideo: false,
		Encoding:            "rgb32",
	}
	if wt, ok := d.capture.WindowTraits(demoWindowID); ok {
		traits.IsTray = wt.IsTray
		traits.IsOverrideRedirect = wt.IsOverrideRedirect
		traits.HasAlpha = wt.HasAlpha
	}
	w := connSrc.EnsureWindow(demoWindowID, traits)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			img, err := d.capture.GetRGBRawData(demoWindowID, ev.Rect)
			if err != nil {
				d.log.Error().Err(err).Msg("demo window: capture")
				continue
			}
			w.Damage(ev.Rect, img)
			d.capture.AcknowledgeChanges(demoWindowID)
		}
	}
}

func (d *demoServer) forgetConn(s *connsource.Source) {
	d.mu.Lock()
	cancel, ok := d.conns[s]
	if ok {
		delete(d.conns, s)
	}
	d.mu.Unlock()
	if ok {
		cancel()
	}
	s.Close()
}

func (d *demoServer) closeAll() {
	d.mu.Lock()
	conns := d.conns
	d.conns = make(map[*connsource.Source]context.CancelFunc)
	d.mu.Unlock()
	for s, cancel := range conns {
		cancel()
		s.Close()
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var x int
		if _, err := fmt.Sscanf(v, "%d", &x); err == nil {
			return x
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "True":
		return true
	case "0", "false", "FALSE", "False":
		return false
	default:
		return def
	}
}
