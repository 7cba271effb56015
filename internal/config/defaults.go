package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Memos: MemosConfig{
			NoteTimeoutSeconds:   30,
			UploadTimeoutSeconds: 60,
		},
		Relay: RelayConfig{
			Keyword:               "note",
			ScratchDir:            "~/.notebot/scratch",
			MaxConcurrentMessages: 5,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled: false,
			},
			Discord: DiscordConfig{
				Enabled: false,
			},
			Slack: SlackConfig{
				Enabled: false,
			},
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  "~/.notebot/history.db",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9091",
		},
	}
}
