package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/appointmentchat/internal/logger"
	"gopkg.in/yaml.v3"
)

// loadEnv читает .env только вне production (в контейнере конфиг только из env).
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		f, err := os.Open(dir + "/.env")
		if err == nil {
			loadEnvFrom(f)
			f.Close()
			return
		}
		parent := strings.TrimSuffix(dir, "/")
		idx := strings.LastIndex(parent, "/")
		if idx <= 0 {
			return
		}
		dir = parent[:idx]
	}
}

func loadEnvFrom(f *os.File) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if len(val) >= 2 && (val[0] == '"' && val[len(val)-1] == '"' || val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// WSConfig — параметры websocket-транспорта чата.
type WSConfig struct {
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	SendBufferSize int
}

// NotifyConfig — куда уходят уведомления о новых сообщениях. Пустые URL — канал выключен.
type NotifyConfig struct {
	RedisURL       string
	Channel        string
	PushServiceURL string
}

// Config — настройки чат-клиента и локального bridge.
// Приоритет: переменные окружения > YAML > значения по умолчанию.
type Config struct {
	// Bridge HTTP
	ServerAddr         string
	CORSAllowedOrigins string

	// ChatEndpoint — URL чат-сервера (http(s) или ws(s)).
	ChatEndpoint string
	// JoinTimeout — 0 означает ждать подтверждения join бесконечно.
	JoinTimeout time.Duration
	WS          WSConfig

	// Параметры активации: передаются явно, а не берутся из хранилища браузера.
	Token         string
	UserID        string
	AppointmentID string

	Notify NotifyConfig

	LogLevel string
}

// yamlConfig — промежуточная структура для парсинга YAML (таймауты в секундах).
type yamlConfig struct {
	ServerAddr         string `yaml:"server_addr"`
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`
	ChatEndpoint       string `yaml:"chat_endpoint"`
	JoinTimeout        int    `yaml:"join_timeout"`
	DialTimeout        int    `yaml:"dial_timeout"`
	WSWriteTimeout     int    `yaml:"ws_write_timeout"`
	WSPongTimeout      int    `yaml:"ws_pong_timeout"`
	WSMaxMessageSize   int    `yaml:"ws_max_message_size"`
	WSSendBufferSize   int    `yaml:"ws_send_buffer_size"`
	NotifyChannel      string `yaml:"notify_channel"`
	LogLevel           string `yaml:"log_level"`
}

func defaults() yamlConfig {
	return yamlConfig{
		ServerAddr:         "127.0.0.1:8090",
		CORSAllowedOrigins: "*",
		ChatEndpoint:       "http://localhost:4000/chat",
		JoinTimeout:        0,
		DialTimeout:        10,
		WSWriteTimeout:     10,
		WSPongTimeout:      60,
		WSMaxMessageSize:   1 << 20,
		WSSendBufferSize:   64,
		NotifyChannel:      "chat:notifications",
		LogLevel:           "info",
	}
}

// Load загружает конфигурацию: .env (если есть), затем CONFIG_PATH или config/chat.yaml, затем env.
func Load() *Config {
	loadEnv()
	yc := defaults()

	for _, path := range []string{os.Getenv("CONFIG_PATH"), "config/chat.yaml"} {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &yc); err != nil {
			logger.Errorf("config: ошибка парсинга %s: %v (используются значения по умолчанию)", path, err)
			yc = defaults()
		} else {
			logger.Infof("config: загружен %s", path)
		}
		break
	}

	return &Config{
		ServerAddr:         envStr("SERVER_ADDR", yc.ServerAddr),
		CORSAllowedOrigins: envStr("CORS_ALLOWED_ORIGINS", yc.CORSAllowedOrigins),
		ChatEndpoint:       envStr("CHAT_ENDPOINT", yc.ChatEndpoint),
		JoinTimeout:        seconds(envInt("JOIN_TIMEOUT", yc.JoinTimeout)),
		WS: WSConfig{
			DialTimeout:    seconds(envInt("DIAL_TIMEOUT", yc.DialTimeout)),
			WriteTimeout:   seconds(envInt("WS_WRITE_TIMEOUT", yc.WSWriteTimeout)),
			PongTimeout:    seconds(envInt("WS_PONG_TIMEOUT", yc.WSPongTimeout)),
			MaxMessageSize: int64(envInt("WS_MAX_MESSAGE_SIZE", yc.WSMaxMessageSize)),
			SendBufferSize: envInt("WS_SEND_BUFFER_SIZE", yc.WSSendBufferSize),
		},
		Token:         envStr("CHAT_TOKEN", ""),
		UserID:        envStr("CHAT_USER_ID", ""),
		AppointmentID: envStr("CHAT_APPOINTMENT_ID", ""),
		Notify: NotifyConfig{
			RedisURL:       envStr("REDIS_URL", ""),
			Channel:        envStr("NOTIFY_CHANNEL", yc.NotifyChannel),
			PushServiceURL: envStr("PUSH_SERVICE_URL", ""),
		},
		LogLevel: envStr("LOG_LEVEL", yc.LogLevel),
	}
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// envStr возвращает значение переменной окружения или fallback.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt возвращает числовое значение переменной окружения или fallback.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
