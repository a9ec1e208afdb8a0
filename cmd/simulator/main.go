package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-call-manager/internal/domain"
	"github.com/acme/campaign-call-manager/internal/telephony"
	"github.com/acme/campaign-call-manager/pkg/logger"
)

// The simulator stands in for the telephony vendor: it acks dial requests
// with an external reference and reports a drawn outcome back to the API
// after a scaled-down call duration.

type dialRequest struct {
	CallID      string `json:"call_id"`
	PhoneNumber string `json:"phone_number"`
	Attempt     int    `json:"attempt"`
	CallbackURL string `json:"callback_url"`
}

type outcomeReport struct {
	Outcome         string `json:"outcome"`
	DurationSeconds int    `json:"duration_seconds"`
	ExternalRef     string `json:"external_ref"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

type simulator struct {
	log         *logger.Logger
	client      *http.Client
	callbackURL string
	scale       float64

	mu  sync.Mutex
	rng *rand.Rand
}

func main() {
	port := flag.Int("port", 9090, "listen port")
	callbackURL := flag.String("callback-url", getEnv("CALLMGR_CALLBACK_URL", "http://localhost:8080/api/v1/calls"), "fallback callback base URL when the dial request carries none")
	scale := flag.Float64("delay-scale", 0.1, "fraction of the sampled call duration to wait before reporting the outcome")
	flag.Parse()

	lg, err := logger.New(getEnv("CALLMGR_APP_ENV", "development"))
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer lg.Sync()

	sim := &simulator{
		log:         lg,
		client:      &http.Client{Timeout: 5 * time.Second},
		callbackURL: strings.TrimRight(*callbackURL, "/"),
		scale:       *scale,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})
	app.Post("/api/dial", sim.dial)
	app.Get("/healthz", func(ctx *fiber.Ctx) error { return ctx.SendString("ok") })

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	lg.Info("simulator listening", zap.Int("port", *port))
	if err := app.Listen(fmt.Sprintf(":%d", *port)); err != nil {
		log.Fatalf("simulator terminated: %v", err)
	}
}

func (s *simulator) dial(ctx *fiber.Ctx) error {
	var req dialRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.CallID == "" || req.PhoneNumber == "" {
		return fiber.NewError(http.StatusBadRequest, "call_id and phone_number are required")
	}

	ref := "sim_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	sample := s.sample()
	target := strings.TrimRight(req.CallbackURL, "/")
	if target == "" {
		target = s.callbackURL
	}

	delay := time.Duration(float64(sample.DurationSeconds) * s.scale * float64(time.Second))
	time.AfterFunc(delay, func() { s.report(req.CallID, target, ref, sample) })

	s.log.Info("dial accepted",
		zap.String("call_id", req.CallID),
		zap.String("outcome", string(sample.Outcome)),
		zap.Duration("reports_in", delay),
	)
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"reference": ref})
}

func (s *simulator) report(callID, target, ref string, sample telephony.OutcomeSample) {
	body := outcomeReport{
		Outcome:         string(sample.Outcome),
		DurationSeconds: sample.DurationSeconds,
		ExternalRef:     ref,
	}
	if sample.Outcome == domain.OutcomeFailed {
		body.ErrorMessage = "simulated provider failure"
	}
	payload, err := json.Marshal(body)
	if err != nil {
		s.log.Error("marshal outcome", zap.String("call_id", callID), zap.Error(err))
		return
	}

	url := fmt.Sprintf("%s/%s/callback", target, callID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		s.log.Error("build callback request", zap.String("call_id", callID), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Error("post outcome", zap.String("call_id", callID), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.log.Warn("outcome rejected",
			zap.String("call_id", callID),
			zap.Int("status", resp.StatusCode),
		)
		return
	}
	s.log.Info("outcome reported",
		zap.String("call_id", callID),
		zap.String("outcome", string(sample.Outcome)),
	)
}

func (s *simulator) sample() telephony.OutcomeSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return telephony.SampleOutcome(s.rng)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
