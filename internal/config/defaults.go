package config

const (
	defaultLogDir             = "~/.local/share/shepherd/logs"
	defaultFramesPerMovie     = 1
	defaultFrameSuffixPattern = `[-_]\d+$`
	defaultMinImportInterval  = 20
	defaultSettleSeconds      = 15
	defaultWatchPollInterval  = 10
	defaultCopyWorkers        = 2
	defaultCompressBinary     = "lbzip2"
	defaultCompressThreads    = 8
	defaultStackBinary        = "newstack"
	defaultStackMaxAttempts   = 3
	defaultStackRetryDelay    = 30
	defaultProcessingPoll     = 10
	defaultMarkerSuffix       = ".done"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultLogRetentionDays   = 30
	defaultAPIBind            = "127.0.0.1:7491"
)

// Default returns a Config populated with repository defaults. Project name,
// watch pattern, and storage root have no sensible default and must be set.
func Default() Config {
	return Config{
		Project: Project{
			FramesPerMovie:     defaultFramesPerMovie,
			FrameSuffixPattern: defaultFrameSuffixPattern,
		},
		Paths: Paths{
			LogDir: defaultLogDir,
		},
		Workflow: Workflow{
			MinImportInterval: defaultMinImportInterval,
			SettleSeconds:     defaultSettleSeconds,
			WatchPollInterval: defaultWatchPollInterval,
			CopyWorkers:       defaultCopyWorkers,
		},
		Compress: Compress{
			Binary:  defaultCompressBinary,
			Threads: defaultCompressThreads,
		},
		Stack: Stack{
			Binary:      defaultStackBinary,
			MaxAttempts: defaultStackMaxAttempts,
			RetryDelay:  defaultStackRetryDelay,
		},
		Processing: Processing{
			Enabled:      true,
			PollInterval: defaultProcessingPoll,
			MarkerSuffix: defaultMarkerSuffix,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		API: API{
			Bind: defaultAPIBind,
		},
	}
}
