package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/luxwatch/orderservice/pkg/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

type EmailSender interface {
	Send(ctx context.Context, intent model.EmailIntent) error
}

type EmailOptions struct {
	APIURL   string
	APIKey   string
	From     string
	MockMode bool
	Timeout  time.Duration
}

// NewEmailSender picks the log-only sender in mock mode or without an API key.
func NewEmailSender(opts EmailOptions, log *logrus.Logger) EmailSender {
	if opts.MockMode || opts.APIKey == "" {
		log.Info("[Email] mock mode enabled, emails are logged only")
		return NewLogSender(log)
	}
	return NewBreakerSender(NewHTTPEmailClient(opts, nil), opts.Timeout, log)
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	Tag     string `json:"tag,omitempty"`
}

// HTTPEmailClient posts rendered mails to a transactional email JSON API.
type HTTPEmailClient struct {
	url    string
	apiKey string
	from   string
	hc     *http.Client
}

func NewHTTPEmailClient(opts EmailOptions, hc *http.Client) *HTTPEmailClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &HTTPEmailClient{url: opts.APIURL, apiKey: opts.APIKey, from: opts.From, hc: hc}
}

func (c *HTTPEmailClient) Send(ctx context.Context, intent model.EmailIntent) error {
	if intent.To == "" {
		return errors.New("email recipient is empty")
	}
	subject, text, err := Render(intent.Kind, intent.Data)
	if err != nil {
		return err
	}
	body, err := json.Marshal(sendRequest{From: c.from, To: intent.To, Subject: subject, Text: text, Tag: string(intent.Kind)})
	if err != nil {
		return errors.Wrap(err, "marshal email request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build email request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return errors.Wrap(err, "send email")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("email api returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

type LogSender struct {
	log *logrus.Logger
}

func NewLogSender(log *logrus.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, intent model.EmailIntent) error {
	subject, _, err := Render(intent.Kind, intent.Data)
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"email.kind":  intent.Kind,
		"email.to":    intent.To,
		"email.order": intent.Data.OrderID,
	}).Infof("[Email] (mock) %s", subject)
	return nil
}

// BreakerSender 外嵌熔断器 + 超时
type BreakerSender struct {
	next    EmailSender
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

func NewBreakerSender(next EmailSender, timeout time.Duration, log *logrus.Logger) *BreakerSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	st := gobreaker.Settings{
		Name:        "EmailAPI",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("CircuitBreaker[%s] state changed from %s to %s", name, from, to)
		},
	}
	return &BreakerSender{next: next, cb: gobreaker.NewCircuitBreaker(st), timeout: timeout}
}

func (b *BreakerSender) Send(ctx context.Context, intent model.EmailIntent) error {
	// 1. 设置超时
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	// 2. 熔断执行
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Send(ctx, intent)
	})
	return err
}
