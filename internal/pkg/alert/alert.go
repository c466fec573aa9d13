package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ConfigFunc is called each time a push is attempted to get the latest
// alert settings, so runtime config changes apply without a restart.
type ConfigFunc func() (enabled bool, webhookURL, siteName string)

// Service delivers ops alerts to a configurable webhook.
type Service struct {
	configFn   ConfigFunc
	httpClient *http.Client

	mu         sync.Mutex
	lastPushAt map[string]time.Time
	throttleD  time.Duration
}

// New creates an alert service. configFn is called on each push to
// retrieve settings.
func New(configFn ConfigFunc) *Service {
	return &Service{
		configFn:   configFn,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		lastPushAt: make(map[string]time.Time),
		throttleD:  10 * time.Minute,
	}
}

type pushPayload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

// Push delivers an alert immediately (no throttle).
func (s *Service) Push(title, body string) error {
	enabled, webhookURL, siteName := s.configFn()
	if !enabled || webhookURL == "" {
		return fmt.Errorf("alert webhook not configured")
	}

	payload := pushPayload{
		Title:     fmt.Sprintf("[%s] %s", siteName, title),
		Body:      body,
		Source:    siteName,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Post(webhookURL, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// ThrottlePush reports a rate-limit event, at most once per ip+path within
// the throttle window.
func (s *Service) ThrottlePush(ip, path string) {
	enabled, webhookURL, _ := s.configFn()
	if !enabled || webhookURL == "" {
		return
	}

	throttleKey := ip + "|" + path
	if !s.admit(throttleKey) {
		return
	}

	_ = s.Push("疑似遭到攻击", fmt.Sprintf("IP: %s Path: %s", ip, path))
}

// PipelineFailurePush reports a document pipeline failure, at most once per
// file within the throttle window so retry storms do not spam the webhook.
func (s *Service) PipelineFailurePush(projectID, fileID, reason string) {
	enabled, webhookURL, _ := s.configFn()
	if !enabled || webhookURL == "" {
		return
	}

	if !s.admit("pipeline|" + fileID) {
		return
	}

	_ = s.Push("文档处理失败", fmt.Sprintf("Project: %s File: %s Reason: %s", projectID, fileID, reason))
}

// CrawlFailurePush reports a crawl job failure.
func (s *Service) CrawlFailurePush(projectID, jobID, reason string) {
	enabled, webhookURL, _ := s.configFn()
	if !enabled || webhookURL == "" {
		return
	}

	if !s.admit("crawl|" + jobID) {
		return
	}

	_ = s.Push("网站抓取失败", fmt.Sprintf("Project: %s Job: %s Reason: %s", projectID, jobID, reason))
}

func (s *Service) admit(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastPushAt[key]
	if ok && time.Since(last) < s.throttleD {
		return false
	}
	s.lastPushAt[key] = time.Now()
	return true
}
