package config

const (
	defaultDataDir = "~/.local/share/soundbite"
	defaultLogDir  = "~/.local/share/soundbite/logs"
	defaultBind    = "127.0.0.1:8094"

	defaultBoardBaseURL = "https://api.trello.com/1"

	defaultScribeBaseURL        = "https://api.anthropic.com/v1/messages"
	defaultScribeModel          = "claude-opus-4-6"
	defaultScribeRevisionModel  = "claude-sonnet-4-5"
	defaultScribeMaxTokens      = 40000
	defaultScribeTimeoutSeconds = 600

	defaultSpeechBaseURL        = "https://api.elevenlabs.io/v1"
	defaultSpeechModelID        = "eleven_multilingual_v2"
	defaultSpeechOutputFormat   = "mp3_44100_128"
	defaultSpeechTimeoutSeconds = 300

	defaultShowsLabelSuffix     = "(cast)"
	defaultShowsCacheTTLSeconds = 300
	defaultShowsFetchTimeout    = 15

	defaultTriggerLabel  = "cast script"
	defaultWritingLabel  = "Cast: Writing Script"
	defaultReviewLabel   = "Cast: Script Ready"
	defaultApprovedLabel = "Cast Approved"
	defaultVoicingLabel  = "Cast: Generating Voice"
	defaultDoneLabel     = "Cast: Done"
	defaultErrorLabel    = "Cast: Error"
	defaultReadyList     = "Videos in Edit"

	defaultWorkers             = 4
	defaultQueuePollInterval   = 2
	defaultErrorRetryInterval  = 10
	defaultLeaseSeconds        = 900
	defaultRevisionRetryDelay  = 5
	defaultMaintenanceSchedule = "@every 1m"

	defaultNotifyRequestTimeout = 10

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			Bind:    defaultBind,
		},
		Board: Board{
			BaseURL: defaultBoardBaseURL,
		},
		Scribe: Scribe{
			BaseURL:        defaultScribeBaseURL,
			Model:          defaultScribeModel,
			RevisionModel:  defaultScribeRevisionModel,
			MaxTokens:      defaultScribeMaxTokens,
			TimeoutSeconds: defaultScribeTimeoutSeconds,
		},
		Speech: Speech{
			BaseURL:        defaultSpeechBaseURL,
			ModelID:        defaultSpeechModelID,
			OutputFormat:   defaultSpeechOutputFormat,
			TimeoutSeconds: defaultSpeechTimeoutSeconds,
		},
		Shows: Shows{
			LabelSuffix:     defaultShowsLabelSuffix,
			CacheTTLSeconds: defaultShowsCacheTTLSeconds,
			FetchTimeout:    defaultShowsFetchTimeout,
		},
		Labels: Labels{
			Trigger:   defaultTriggerLabel,
			Writing:   defaultWritingLabel,
			Review:    defaultReviewLabel,
			Approved:  defaultApprovedLabel,
			Voicing:   defaultVoicingLabel,
			Done:      defaultDoneLabel,
			Error:     defaultErrorLabel,
			ReadyList: defaultReadyList,
		},
		Workflow: Workflow{
			Workers:             defaultWorkers,
			QueuePollInterval:   defaultQueuePollInterval,
			ErrorRetryInterval:  defaultErrorRetryInterval,
			LeaseSeconds:        defaultLeaseSeconds,
			RevisionRetryDelay:  defaultRevisionRetryDelay,
			MaintenanceSchedule: defaultMaintenanceSchedule,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			ScriptReady:    true,
			Delivered:      true,
			Errors:         true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
