// Package apptypes holds the shared data-model types for apps, container
// state, tasks and output lines described in the core specification. These
// types are owned by no single component; every component in internal/
// refers to them by value or by string key, never by pointer cycle.
package apptypes

import "time"

// AppStatus is the derived lifecycle status of an App.
type AppStatus string

const (
	StatusStopped     AppStatus = "Stopped"
	StatusStarting    AppStatus = "Starting"
	StatusRunning     AppStatus = "Running"
	StatusCreating    AppStatus = "Creating"
	StatusDestroying  AppStatus = "Destroying"
	StatusUnsupported AppStatus = "Unsupported"
)

// App is a managed application: a compose project plus control-plane
// metadata. Name is a slugified identifier, unique within the registry.
type App struct {
	Name        string
	RootDir     string
	ComposePath string
	Status      AppStatus
	Services    []ContainerState
	Settings    *AppSettings
	LastChecked *time.Time

	// RunningSince is set the moment the registry first observes this app
	// as StatusRunning and cleared as soon as it observes anything else; it
	// is the clock the scheduler's TTL check (spec §4.11) reads against.
	RunningSince *time.Time
}

// DeriveStatus implements the invariant from spec §3: status is derived from
// the per-service status unless an FSM has stamped Creating/Destroying, which
// overrides derivation until the FSM clears it.
func DeriveStatus(services []ContainerState, override AppStatus) AppStatus {
	if override == StatusCreating || override == StatusDestroying {
		return override
	}

	if len(services) == 0 {
		return StatusStopped
	}

	running := 0

	for _, s := range services {
		if s.IsRunning() {
			running++
		}
	}

	switch {
	case running == len(services):
		return StatusRunning
	case running == 0:
		return StatusStopped
	default:
		return StatusStarting
	}
}

// TimeToLiveKind distinguishes the tagged TTL variants.
type TimeToLiveKind string

const (
	TTLHours   TimeToLiveKind = "Hours"
	TTLDays    TimeToLiveKind = "Days"
	TTLForever TimeToLiveKind = "Forever"
)

// TimeToLive is a tagged union over Hours(n) | Days(n) | Forever, matching
// the JSON shape used in spec §8 Scenario B.
type TimeToLive struct {
	Kind  TimeToLiveKind
	Value uint32 // unused when Kind == Forever
}

// ForeverSeconds is the sentinel the original encodes Forever as.
const ForeverSeconds = ^uint32(0)

// Seconds returns the TTL expressed as seconds, or ForeverSeconds.
func (t TimeToLive) Seconds() uint32 {
	switch t.Kind {
	case TTLForever:
		return ForeverSeconds
	case TTLDays:
		return t.Value * 24 * 3600
	case TTLHours:
		return t.Value * 3600
	default:
		return 0
	}
}

// Duration returns the TTL as a time.Duration, or 0 for Forever (callers
// must check Kind before treating 0 as "already expired").
func (t TimeToLive) Duration() time.Duration {
	if t.Kind == TTLForever {
		return 0
	}

	return time.Duration(t.Seconds()) * time.Second
}

// TimeToLiveFromSeconds rebuilds the tagged union from a raw second count,
// matching spec §8 Scenario B's round-trip rules: u32::MAX -> Forever,
// a multiple of 86400 -> Days(n), anything else -> Hours(n).
func TimeToLiveFromSeconds(seconds uint32) TimeToLive {
	if seconds == ForeverSeconds {
		return TimeToLive{Kind: TTLForever}
	}

	if seconds != 0 && seconds%(24*3600) == 0 {
		return TimeToLive{Kind: TTLDays, Value: seconds / (24 * 3600)}
	}

	hours := seconds / 3600
	if hours*3600 != seconds {
		// Not an exact hour boundary either; fall back to Hours with
		// truncation rather than fail — the resolver never errors.
		hours = seconds / 3600
	}

	return TimeToLive{Kind: TTLHours, Value: hours}
}

// PublicService is one compose service published through the load balancer.
type PublicService struct {
	Service string
	Port    int
	Domains []string
}

// BasicAuth is a single HTTP basic-auth credential pair.
type BasicAuth struct {
	User string
	Pass string
}

// AppSettings is persisted as .scotty.yml in the app root.
type AppSettings struct {
	PublicServices []PublicService   `yaml:"public_services"`
	Domain         string            `yaml:"domain,omitempty"`
	TimeToLive     TimeToLive        `yaml:"time_to_live"`
	DestroyOnTTL   bool              `yaml:"destroy_on_ttl"`
	BasicAuth      *BasicAuth        `yaml:"basic_auth,omitempty"`
	DisallowRobots bool              `yaml:"disallow_robots"`
	Environment    map[string]string `yaml:"environment"`
	Registry       string            `yaml:"registry,omitempty"`
	AppBlueprint   string            `yaml:"app_blueprint,omitempty"`
	Notify         []string          `yaml:"notify"`
	Scopes         []string          `yaml:"scopes"`
	Middlewares    []string          `yaml:"middlewares"`
}

// DefaultAppSettings returns the zero-value defaults spec §3 names:
// disallow_robots defaults true, scopes defaults to ["default"].
func DefaultAppSettings() AppSettings {
	return AppSettings{
		DisallowRobots: true,
		Scopes:         []string{"default"},
		TimeToLive:     TimeToLive{Kind: TTLForever},
		Environment:    map[string]string{},
	}
}

// ContainerStatus mirrors the engine's reported container state.
type ContainerStatus string

const (
	ContainerRunning    ContainerStatus = "Running"
	ContainerCreated    ContainerStatus = "Created"
	ContainerRestarting ContainerStatus = "Restarting"
	ContainerExited     ContainerStatus = "Exited"
	ContainerPaused     ContainerStatus = "Paused"
	ContainerUnknown    ContainerStatus = "Unknown"
)

// ContainerState is per-service engine-observed state.
type ContainerState struct {
	Status       ContainerStatus
	ID           string
	Service      string
	Domains      []string
	UseTLS       bool
	Port         int
	StartedAt    *time.Time
	UsedRegistry string
	BasicAuth    *BasicAuth
}

// IsRunning implements the spec §3 invariant:
// is_running := status in {Running, Created, Restarting}.
func (c ContainerState) IsRunning() bool {
	switch c.Status {
	case ContainerRunning, ContainerCreated, ContainerRestarting:
		return true
	default:
		return false
	}
}

// StreamKind tags an OutputLine by origin.
type StreamKind string

const (
	StreamStdout      StreamKind = "Stdout"
	StreamStderr      StreamKind = "Stderr"
	StreamStatus      StreamKind = "Status"
	StreamStatusError StreamKind = "StatusError"
	StreamProgress    StreamKind = "Progress"
	StreamInfo        StreamKind = "Info"
)

// OutputLine is one line of captured task output.
type OutputLine struct {
	Timestamp time.Time
	Stream    StreamKind
	Content   string
	Sequence  uint64
}

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	TaskRunning  TaskState = "Running"
	TaskFinished TaskState = "Finished"
	TaskFailed   TaskState = "Failed"
)
