package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Quota     QuotaConfig
	Notify    NotifyConfig
	Store     StoreConfig
	Log       LogConfig
}

type ServerConfig struct {
	// Hardware clients speak the binary protocol over plain TCP.
	HardwareAddress string `mapstructure:"hardwareAddress"`
	// Application clients may use plain TCP or the websocket endpoint.
	AppAddress  string `mapstructure:"appAddress"`
	HTTPAddress string `mapstructure:"httpAddress"`

	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
	SendQueue   int           `mapstructure:"sendQueue"`
}

type QuotaConfig struct {
	// Energy debited when a sharing token is issued.
	ShareTokenPrice int `mapstructure:"shareTokenPrice"`
	// Energy granted to a freshly registered profile.
	RegisterEnergy int `mapstructure:"registerEnergy"`
}

type NotifyConfig struct {
	GatewayURL   string        `mapstructure:"gatewayURL"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyRunes int           `mapstructure:"maxBodyRunes"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
