package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8640,
			WebhookPath: "/webhook/channel",
		},
		Gateway: GatewayConfig{
			TimeoutSeconds: 30,
			SettleDelayMs:  1500,
			GroupSuffix:    "@g.us",
		},
		AI: AIConfig{
			APIBase:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			HistoryWindow:  10,
			TimeoutSeconds: 45,
		},
		Store: StoreConfig{
			DBPath: "~/.recepta/recepta.db",
		},
	}
}
