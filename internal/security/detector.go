package security

import (
	"sort"
	"sync"
	"time"
)

// DetectorConfig tunes enumeration detection.
type DetectorConfig struct {
	// Threshold is the number of consecutive failures inside Window that
	// flags a subject.
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// DefaultDetectorConfig flags a subject after 10 failures within a minute
// for five minutes.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Threshold: 10,
		Window:    time.Minute,
		Cooldown:  5 * time.Minute,
	}
}

// Flag is the state of a flagged subject.
type Flag struct {
	Subject        string    `json:"subject"`
	FailedAttempts int       `json:"failed_attempt_count"`
	FlaggedAt      time.Time `json:"flagged_at"`
	CooldownUntil  time.Time `json:"cooldown_until"`
}

// Detector counts failed lookups per subject in a sliding window and flags
// subjects that cross the threshold. Flags lapse after the cooldown.
type Detector struct {
	mu       sync.Mutex
	cfg      DetectorConfig
	now      func() time.Time
	subjects map[string]*tracker
	onFlag   func(Flag)
}

type tracker struct {
	failures []time.Time
	flag     *Flag
}

// NewDetector creates a Detector. onFlag, if set, is called (without locks
// held) each time a subject becomes flagged.
func NewDetector(cfg DetectorConfig, now func() time.Time, onFlag func(Flag)) *Detector {
	def := DefaultDetectorConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Detector{
		cfg:      cfg,
		now:      now,
		subjects: make(map[string]*tracker),
		onFlag:   onFlag,
	}
}

// Check returns an *EnumerationError while subject is flagged.
func (d *Detector) Check(subject string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.subjects[subject]
	if !ok || t.flag == nil {
		return nil
	}
	now := d.now()
	if now.Before(t.flag.CooldownUntil) {
		return &EnumerationError{Subject: subject, RetryAfter: t.flag.CooldownUntil.Sub(now)}
	}
	delete(d.subjects, subject)
	return nil
}

// Failure records a failed lookup and reports whether subject is flagged.
func (d *Detector) Failure(subject string) bool {
	d.mu.Lock()
	now := d.now()
	t, ok := d.subjects[subject]
	if !ok {
		t = &tracker{}
		d.subjects[subject] = t
	}
	if t.flag != nil && now.Before(t.flag.CooldownUntil) {
		d.mu.Unlock()
		return true
	}
	t.flag = nil

	t.failures = append(pruneBefore(t.failures, now.Add(-d.cfg.Window)), now)
	if len(t.failures) < d.cfg.Threshold {
		d.mu.Unlock()
		return false
	}

	flag := Flag{
		Subject:        subject,
		FailedAttempts: len(t.failures),
		FlaggedAt:      now,
		CooldownUntil:  now.Add(d.cfg.Cooldown),
	}
	t.flag = &flag
	t.failures = nil
	onFlag := d.onFlag
	d.mu.Unlock()

	if onFlag != nil {
		onFlag(flag)
	}
	return true
}

// Success clears the failure count of an unflagged subject.
func (d *Detector) Success(subject string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.subjects[subject]; ok && t.flag == nil {
		delete(d.subjects, subject)
	}
}

// Flags returns the currently active flags ordered by subject.
func (d *Detector) Flags() []Flag {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var out []Flag
	for _, t := range d.subjects {
		if t.flag != nil && now.Before(t.flag.CooldownUntil) {
			out = append(out, *t.flag)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

// Sweep evicts lapsed flags and failure counts outside the window. It returns
// the number of subjects evicted.
func (d *Detector) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	cutoff := now.Add(-d.cfg.Window)
	evicted := 0
	for subject, t := range d.subjects {
		if t.flag != nil {
			if !now.Before(t.flag.CooldownUntil) {
				delete(d.subjects, subject)
				evicted++
			}
			continue
		}
		t.failures = pruneBefore(t.failures, cutoff)
		if len(t.failures) == 0 {
			delete(d.subjects, subject)
			evicted++
		}
	}
	return evicted
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
