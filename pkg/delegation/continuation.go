package delegation

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sipeed/packclaw/pkg/config"
	"github.com/sipeed/packclaw/pkg/utils"
)

// Analysis reasons.
const (
	ReasonCompletionMarker = "completion_marker_found"
	ReasonIncomplete       = "incomplete_response"
	ReasonNormal           = "normal_response"
)

var defaultMarkers = []string{"DONE", "TASK_COMPLETE", "finished", "✅", "완료"}

var defaultPatterns = []string{
	"I'll continue",
	"let me continue",
	"to be continued",
	"계속하겠",
	"계속할게",
}

var sentenceTerminators = []rune{'.', '!', '?', '…', '。', ')', '`'}

// Analysis is the verdict on one agent response.
type Analysis struct {
	IsComplete        bool
	Reason            string
	Attempt           int
	MaxRetriesReached bool
}

type attemptState struct {
	agentID string
	count   int
}

// Enforcer decides whether an agent response finished its task and, when
// it did not, how often to push for a continuation. Attempts are counted
// per channel; a different agent on the channel resets the count.
type Enforcer struct {
	mu       sync.Mutex
	attempts map[string]attemptState

	maxRetries      int
	lengthThreshold int
	markers         []string
	patterns        []string
}

func NewEnforcer(cfg config.ContinuationConfig) *Enforcer {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	threshold := cfg.LengthThreshold
	if threshold <= 0 {
		threshold = 1800
	}
	return &Enforcer{
		attempts:        make(map[string]attemptState),
		maxRetries:      maxRetries,
		lengthThreshold: threshold,
		markers:         append(append([]string(nil), defaultMarkers...), cfg.ExtraMarkers...),
		patterns:        append(append([]string(nil), defaultPatterns...), cfg.ExtraPatterns...),
	}
}

// AnalyzeResponse classifies text as marker-complete, incomplete, or a
// normal response. Incomplete responses bump the channel's attempt count.
func (e *Enforcer) AnalyzeResponse(agent config.AgentConfig, channelID, text string) Analysis {
	if e.hasCompletionMarker(agent, text) {
		e.reset(channelID)
		return Analysis{IsComplete: true, Reason: ReasonCompletionMarker}
	}

	if e.looksIncomplete(text) {
		attempt := e.bump(agent.ID, channelID)
		return Analysis{
			Reason:            ReasonIncomplete,
			Attempt:           attempt,
			MaxRetriesReached: attempt >= e.maxRetries,
		}
	}

	e.reset(channelID)
	return Analysis{IsComplete: true, Reason: ReasonNormal}
}

// BuildContinuationPrompt asks the agent to resume from the tail of its
// previous, truncated response.
func (e *Enforcer) BuildContinuationPrompt(previous string) string {
	tail := utils.Tail(previous, 200)
	return fmt.Sprintf(
		"Your previous response was cut off. It ended with:\n\n...%s\n\nContinue from where you left off. Reply DONE when the task is fully complete.",
		tail,
	)
}

// ResetChannel clears the attempt counter for a channel.
func (e *Enforcer) ResetChannel(channelID string) {
	e.reset(channelID)
}

func (e *Enforcer) hasCompletionMarker(agent config.AgentConfig, text string) bool {
	for _, marker := range e.markers {
		if marker != "" && strings.Contains(text, marker) {
			return true
		}
	}
	for _, marker := range agent.CompletionMarkers {
		if marker != "" && strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func (e *Enforcer) looksIncomplete(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range e.patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}

	// Responses brushing the transport limit that stop mid-sentence were
	// almost certainly truncated.
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) >= e.lengthThreshold-100 {
		last, _ := utf8.DecodeLastRuneInString(trimmed)
		for _, term := range sentenceTerminators {
			if last == term {
				return false
			}
		}
		return true
	}
	return false
}

func (e *Enforcer) bump(agentID, channelID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.attempts[channelID]
	if !strings.EqualFold(state.agentID, agentID) {
		state = attemptState{agentID: agentID}
	}
	state.count++
	e.attempts[channelID] = state
	return state.count
}

func (e *Enforcer) reset(channelID string) {
	e.mu.Lock()
	delete(e.attempts, channelID)
	e.mu.Unlock()
}
