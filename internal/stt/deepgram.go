package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	pcmaudio "github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

const closeStreamMessage = `{"type":"CloseStream"}`

// deepgramRecognizer streams microphone audio to Deepgram's live endpoint.
// The provider closes the socket after its idle timeout, which surfaces as
// an ordinary end and lets the session restart.
type deepgramRecognizer struct {
	cfg     config.DeepgramConfig
	capture config.CaptureConfig
	source  pcmaudio.Source
	dialer  *websocket.Dialer
	log     *slog.Logger
}

func NewDeepgramRecognizer(cfg config.DeepgramConfig, capture config.CaptureConfig, source pcmaudio.Source, log *slog.Logger) Recognizer {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.deepgram.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &deepgramRecognizer{
		cfg:     cfg,
		capture: capture,
		source:  source,
		dialer:  websocket.DefaultDialer,
		log:     log.With(slog.String("component", "deepgram-recognizer")),
	}
}

func (r *deepgramRecognizer) Name() string {
	return "deepgram"
}

func (r *deepgramRecognizer) Start(ctx context.Context, cfg StreamConfig, l Listener) (Stream, error) {
	if strings.TrimSpace(r.cfg.APIKey) == "" {
		return nil, &CapabilityStartError{Backend: r.Name(), Err: errors.New("DEEPGRAM_API_KEY is not configured")}
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = r.capture.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = r.capture.Channels
	}
	wsURL, err := buildListenURL(r.cfg, cfg)
	if err != nil {
		return nil, &CapabilityStartError{Backend: r.Name(), Err: err}
	}
	input, err := r.source.Open(ctx)
	if err != nil {
		return nil, &CapabilityStartError{Backend: r.Name(), Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &deepgramStream{
		input:    input,
		cancel:   cancel,
		stop:     make(chan struct{}),
		listener: l,
		log:      r.log,
	}
	go s.run(ctx, r.dialer, wsURL, r.cfg.APIKey)
	return s, nil
}

type deepgramStream struct {
	input    pcmaudio.Stream
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	listener Listener
	log      *slog.Logger
}

// Stop ends capture and asks the provider to flush; OnEnd follows when the
// provider closes the socket.
func (s *deepgramStream) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *deepgramStream) run(ctx context.Context, dialer *websocket.Dialer, wsURL, apiKey string) {
	defer s.listener.OnEnd()
	defer s.cancel()
	defer s.input.Close()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+apiKey)
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if ctx.Err() == nil {
			s.listener.OnError(dialErrorCode(resp), fmt.Errorf("connect to Deepgram websocket: %w", err))
		}
		return
	}
	defer conn.Close()

	s.listener.OnStart()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writeLoop(ctx, conn)
	}()

	s.readLoop(conn)
	s.cancel()
	<-writeDone
}

// dialErrorCode treats a rejected API key as a fatal authorization failure.
func dialErrorCode(resp *http.Response) ErrorCode {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return ErrorServiceNotAllowed
	}
	return ErrorNetwork
}

func (s *deepgramStream) writeLoop(ctx context.Context, conn *websocket.Conn) {
	frames := s.input.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			_ = s.input.Close()
			if err := conn.WriteMessage(websocket.TextMessage, []byte(closeStreamMessage)); err != nil {
				s.log.Debug("send close stream", slog.String("error", err.Error()))
			}
			return
		case frame, ok := <-frames:
			if !ok {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(closeStreamMessage))
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, pcmaudio.PCM16Bytes(frame)); err != nil {
				s.log.Debug("send audio", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (s *deepgramStream) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !isNormalClose(err) {
				select {
				case <-s.stop:
				default:
					s.listener.OnError(ErrorNetwork, fmt.Errorf("read provider event: %w", err))
				}
			}
			return
		}

		var response deepgramResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			continue
		}
		if strings.EqualFold(response.Type, "Error") {
			message := strings.TrimSpace(response.Message)
			if message == "" {
				message = "deepgram returned an unknown error"
			}
			s.listener.OnError(ErrorNetwork, errors.New(message))
			return
		}
		transcript := extractTranscript(response)
		if transcript == "" {
			continue
		}
		s.listener.OnResult([]Result{{
			Text:  transcript,
			Final: response.IsFinal || response.SpeechFinal,
		}}, 0)
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

type deepgramResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func extractTranscript(response deepgramResponse) string {
	if len(response.Channel.Alternatives) > 0 {
		return strings.TrimSpace(response.Channel.Alternatives[0].Transcript)
	}
	return ""
}

func buildListenURL(providerCfg config.DeepgramConfig, streamCfg StreamConfig) (string, error) {
	base := strings.TrimSpace(providerCfg.APIBaseURL)
	if base == "" {
		base = "https://api.deepgram.com/v1"
	}
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")
	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	if streamCfg.SampleRate <= 0 {
		streamCfg.SampleRate = 16000
	}
	if streamCfg.Channels <= 0 {
		streamCfg.Channels = 1
	}
	query := listenURL.Query()
	query.Set("model", providerCfg.Model)
	query.Set("encoding", "linear16")
	query.Set("sample_rate", fmt.Sprintf("%d", streamCfg.SampleRate))
	query.Set("channels", fmt.Sprintf("%d", streamCfg.Channels))
	query.Set("interim_results", fmt.Sprintf("%t", streamCfg.InterimResults))
	query.Set("smart_format", fmt.Sprintf("%t", providerCfg.SmartFormat))
	if streamCfg.Language != "" {
		query.Set("language", streamCfg.Language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
