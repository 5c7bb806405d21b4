package proxy

import (
	"sort"
	"sync"
	"time"
)

const usageBucketSize = 5 * time.Minute
const usageRetention = 7 * 24 * time.Hour

// UsageEvent is one finished chat completion request.
type UsageEvent struct {
	Timestamp        time.Time
	Provider         string
	Model            string
	ChatType         string
	Stream           bool
	ErrorType        string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

type UsageBucket struct {
	StartAt          time.Time `json:"start_at"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	ChatType         string    `json:"chat_type"`
	ErrorType        string    `json:"error_type,omitempty"`
	Requests         int       `json:"requests"`
	Streams          int       `json:"streams"`
	Errors           int       `json:"errors"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	LatencyMSSum     int64     `json:"latency_ms_sum"`
}

type StatsSummary struct {
	PeriodSeconds       int64          `json:"period_seconds"`
	Requests            int            `json:"requests"`
	Errors              int            `json:"errors"`
	PromptTokens        int            `json:"prompt_tokens"`
	CompletionTokens    int            `json:"completion_tokens"`
	AvgLatencyMS        float64        `json:"avg_latency_ms"`
	RequestsPerProvider map[string]int `json:"requests_per_provider"`
	RequestsPerModel    map[string]int `json:"requests_per_model"`
	RequestsPerChatType map[string]int `json:"requests_per_chat_type"`
	ErrorsPerType       map[string]int `json:"errors_per_type"`
	Buckets             []UsageBucket  `json:"buckets,omitempty"`
}

type bucketKey struct {
	start     time.Time
	provider  string
	model     string
	chatType  string
	errorType string
}

// StatsStore aggregates request outcomes into five minute buckets per
// provider and model.
type StatsStore struct {
	mu      sync.RWMutex
	buckets map[bucketKey]*UsageBucket
	maxKeep int
	now     func() time.Time
}

func NewStatsStore(maxKeep int) *StatsStore {
	if maxKeep <= 0 {
		maxKeep = 10000
	}
	return &StatsStore{buckets: map[bucketKey]*UsageBucket{}, maxKeep: maxKeep, now: time.Now}
}

func (s *StatsStore) Add(evt UsageEvent) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	key := bucketKey{
		start:     ts.UTC().Truncate(usageBucketSize),
		provider:  evt.Provider,
		model:     evt.Model,
		chatType:  evt.ChatType,
		errorType: evt.ErrorType,
	}
	b, ok := s.buckets[key]
	if !ok {
		b = &UsageBucket{StartAt: key.start, Provider: key.provider, Model: key.model, ChatType: key.chatType, ErrorType: key.errorType}
		s.buckets[key] = b
	}
	b.Requests++
	if evt.Stream {
		b.Streams++
	}
	if evt.ErrorType != "" {
		b.Errors++
	}
	b.PromptTokens += evt.PromptTokens
	b.CompletionTokens += evt.CompletionTokens
	b.LatencyMSSum += evt.Latency.Milliseconds()
	s.pruneLocked()
}

func (s *StatsStore) Summary(period time.Duration) StatsSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-period)
	summary := StatsSummary{
		PeriodSeconds:       int64(period.Seconds()),
		RequestsPerProvider: map[string]int{},
		RequestsPerModel:    map[string]int{},
		RequestsPerChatType: map[string]int{},
		ErrorsPerType:       map[string]int{},
	}
	var latencySum int64
	for key, b := range s.buckets {
		if b.StartAt.Add(usageBucketSize).Before(cutoff) {
			continue
		}
		summary.Requests += b.Requests
		summary.Errors += b.Errors
		summary.PromptTokens += b.PromptTokens
		summary.CompletionTokens += b.CompletionTokens
		latencySum += b.LatencyMSSum
		summary.RequestsPerProvider[key.provider] += b.Requests
		summary.RequestsPerModel[key.model] += b.Requests
		summary.RequestsPerChatType[key.chatType] += b.Requests
		if key.errorType != "" {
			summary.ErrorsPerType[key.errorType] += b.Errors
		}
		summary.Buckets = append(summary.Buckets, *b)
	}
	sort.Slice(summary.Buckets, func(i, j int) bool {
		a, b := summary.Buckets[i], summary.Buckets[j]
		if !a.StartAt.Equal(b.StartAt) {
			return a.StartAt.Before(b.StartAt)
		}
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		if a.Model != b.Model {
			return a.Model < b.Model
		}
		if a.ChatType != b.ChatType {
			return a.ChatType < b.ChatType
		}
		return a.ErrorType < b.ErrorType
	})
	if summary.Requests > 0 {
		summary.AvgLatencyMS = float64(latencySum) / float64(summary.Requests)
	}
	return summary
}

func (s *StatsStore) pruneLocked() {
	cutoff := s.now().Add(-usageRetention)
	for k, b := range s.buckets {
		if b.StartAt.Before(cutoff) {
			delete(s.buckets, k)
		}
	}
	if len(s.buckets) <= s.maxKeep {
		return
	}
	keys := make([]bucketKey, 0, len(s.buckets))
	for k := range s.buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].start.Before(keys[j].start) })
	for _, k := range keys[:len(keys)-s.maxKeep] {
		delete(s.buckets, k)
	}
}
