// Package health tracks per-tier health from write outcomes and probes, and
// notifies listeners when a tier changes state.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/tierstore/tierstore/pkg/errors"
)

// HealthState represents the health state of a tier
type HealthState int

const (
	// StateHealthy indicates the tier is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates the tier is failing intermittently
	StateDegraded

	// StateReadOnly indicates the tier rejects writes for lack of space but still serves reads
	StateReadOnly

	// StateUnavailable indicates the tier is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ComponentHealth tracks the health of a specific tier
type ComponentHealth struct {
	Name                 string                 `json:"name"`
	State                HealthState            `json:"state"`
	LastStateChange      time.Time              `json:"last_state_change"`
	LastHealthCheck      time.Time              `json:"last_health_check"`
	ConsecutiveErrors    int                    `json:"consecutive_errors"`
	ConsecutiveSuccesses int                    `json:"consecutive_successes"`
	LastError            error                  `json:"-"`
	LastErrorMessage     string                 `json:"last_error_message,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
}

// snapshot copies h, metadata included. Must be called with the tracker lock held.
func (h *ComponentHealth) snapshot() *ComponentHealth {
	c := *h
	c.Metadata = make(map[string]interface{}, len(h.Metadata))
	for k, v := range h.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// Tracker tracks the health of multiple tiers
type Tracker struct {
	mu              sync.RWMutex
	components      map[string]*ComponentHealth
	config          TrackerConfig
	stateCallbacks  map[HealthState][]StateChangeCallback
	healthListeners []HealthListener
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a tier degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// RecoveryThreshold is the number of consecutive successes to return to healthy
	RecoveryThreshold int `yaml:"recovery_threshold" json:"recovery_threshold"`

	// HealthCheckInterval is the default interval between tier health check cycles
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// StateChangeCallback is called when a tier's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// HealthListener is notified of all health events
type HealthListener interface {
	OnStateChange(component string, oldState, newState HealthState, err error)
	OnHealthCheck(component string, healthy bool, err error)
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		RecoveryThreshold:    2,
		HealthCheckInterval:  5 * time.Minute,
	}
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = 3
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	if config.RecoveryThreshold <= 0 {
		config.RecoveryThreshold = 1
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = 5 * time.Minute
	}
	return &Tracker{
		components:     make(map[string]*ComponentHealth),
		config:         config,
		stateCallbacks: make(map[HealthState][]StateChangeCallback),
	}
}

// RegisterComponent registers a tier for health tracking
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: time.Now(),
			LastHealthCheck: time.Now(),
			Metadata:        make(map[string]interface{}),
		}
	}
}

// RecordSuccess records a successful operation or probe
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}

	oldState := health.State
	health.LastHealthCheck = time.Now()
	health.ConsecutiveErrors = 0
	health.ConsecutiveSuccesses++

	if health.State != StateHealthy && health.ConsecutiveSuccesses >= t.config.RecoveryThreshold {
		t.transitionState(health, StateHealthy)
	}

	for _, listener := range t.healthListeners {
		listener.OnHealthCheck(component, true, nil)
	}
	if oldState != health.State {
		t.notifyStateChange(component, oldState, health.State, nil)
	}
}

// RecordError records a failed operation or probe
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}

	oldState := health.State
	health.LastHealthCheck = time.Now()
	health.ConsecutiveErrors++
	health.ConsecutiveSuccesses = 0
	health.LastError = err
	if err != nil {
		health.LastErrorMessage = err.Error()
	}

	newState := health.State
	switch {
	case health.ConsecutiveErrors >= t.config.UnavailableThreshold:
		newState = StateUnavailable
	case health.ConsecutiveErrors >= t.config.ErrorThreshold:
		if isWriteError(err) {
			newState = StateReadOnly
		} else {
			newState = StateDegraded
		}
	}
	if newState != oldState {
		t.transitionState(health, newState)
	}

	for _, listener := range t.healthListeners {
		listener.OnHealthCheck(component, false, err)
	}
	if oldState != health.State {
		t.notifyStateChange(component, oldState, health.State, err)
	}
}

// GetState returns the current health state of a tier
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.components[component]; exists {
		return health.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of the health information for a tier
func (t *Tracker) GetComponentHealth(component string) (*ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	health, exists := t.components[component]
	if !exists {
		return nil, fmt.Errorf("component %s not registered", component)
	}
	return health.snapshot(), nil
}

// GetAllComponents returns health information for all registered tiers
func (t *Tracker) GetAllComponents() map[string]*ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]*ComponentHealth, len(t.components))
	for name, health := range t.components {
		result[name] = health.snapshot()
	}
	return result
}

// GetOverallHealth returns the worst state across all tiers
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overallState := StateHealthy
	for _, health := range t.components {
		if health.State > overallState {
			overallState = health.State
		}
	}
	return overallState
}

// IsHealthy returns true if the tier is in a healthy state
func (t *Tracker) IsHealthy(component string) bool {
	return t.GetState(component) == StateHealthy
}

// CanWrite returns true if the tier should be offered writes
func (t *Tracker) CanWrite(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded
}

// AddStateChangeCallback registers a callback for transitions into state
func (t *Tracker) AddStateChangeCallback(state HealthState, callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stateCallbacks[state] = append(t.stateCallbacks[state], callback)
}

// AddHealthListener registers a health listener
func (t *Tracker) AddHealthListener(listener HealthListener) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.healthListeners = append(t.healthListeners, listener)
}

// SetComponentMetadata sets metadata for a tier
func (t *Tracker) SetComponentMetadata(component, key string, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if health, exists := t.components[component]; exists {
		health.Metadata[key] = value
	}
}

// transitionState must be called with the lock held.
func (t *Tracker) transitionState(health *ComponentHealth, newState HealthState) {
	health.State = newState
	health.LastStateChange = time.Now()

	if newState == StateHealthy {
		health.ConsecutiveErrors = 0
		health.LastError = nil
		health.LastErrorMessage = ""
	}
}

func (t *Tracker) notifyStateChange(component string, oldState, newState HealthState, err error) {
	for _, callback := range t.stateCallbacks[newState] {
		go callback(component, oldState, newState, err)
	}
	for _, listener := range t.healthListeners {
		go listener.OnStateChange(component, oldState, newState, err)
	}
}

// isWriteError reports errors after which reads are still expected to work.
func isWriteError(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrCodeBackendFull, errors.ErrCodeCapacityExceeded:
		return true
	}
	return false
}
