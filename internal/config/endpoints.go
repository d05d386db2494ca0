package config

import "strings"

type EndpointConfig interface {
	GetBaseURL() string
	GetLoginPath() string
	GetRegisterPath() string
	GetRefreshPath() string
	GetLogoutPath() string
	GetLogoutAllPath() string
	GetMePath() string
	PublicPaths() []string
}

type Endpoints struct {
	BaseURL       string `env:"AUTH_BASE_URL" envDefault:"http://localhost:8080"`
	LoginPath     string `env:"AUTH_LOGIN_PATH" envDefault:"/auth/login"`
	RegisterPath  string `env:"AUTH_REGISTER_PATH" envDefault:"/auth/register"`
	RefreshPath   string `env:"AUTH_REFRESH_PATH" envDefault:"/auth/refresh"`
	LogoutPath    string `env:"AUTH_LOGOUT_PATH" envDefault:"/auth/logout"`
	LogoutAllPath string `env:"AUTH_LOGOUT_ALL_PATH" envDefault:"/auth/logout-all"`
	MePath        string `env:"AUTH_ME_PATH" envDefault:"/auth/me"`
}

var _ EndpointConfig = Endpoints{}

// GetBaseURL returns the API root without a trailing slash (e.g., "https://api.example.com")
func (e Endpoints) GetBaseURL() string {
	return strings.TrimRight(e.BaseURL, "/")
}

func (e Endpoints) GetLoginPath() string {
	return e.LoginPath
}

func (e Endpoints) GetRegisterPath() string {
	return e.RegisterPath
}

func (e Endpoints) GetRefreshPath() string {
	return e.RefreshPath
}

func (e Endpoints) GetLogoutPath() string {
	return e.LogoutPath
}

func (e Endpoints) GetLogoutAllPath() string {
	return e.LogoutAllPath
}

func (e Endpoints) GetMePath() string {
	return e.MePath
}

// PublicPaths are the path suffixes that never carry credentials and never trigger a refresh.
func (e Endpoints) PublicPaths() []string {
	return []string{e.LoginPath, e.RegisterPath, e.RefreshPath, e.LogoutPath}
}
