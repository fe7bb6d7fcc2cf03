package auth

import (
	"sync"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
)

var (
	mu             sync.RWMutex
	adminSecretKey string
	jwtSecretKey   string
)

func init() {
	adminSecretKey, _ = env.GetEnvString("ADMIN_SECRET_KEY")
	jwtSecretKey, _ = env.GetEnvString("JWT_SECRET_KEY")
}

// Configure overrides the secrets read from the environment.
func Configure(adminSecret, jwtSecret string) {
	mu.Lock()
	defer mu.Unlock()
	adminSecretKey = adminSecret
	jwtSecretKey = jwtSecret
}

func secrets() (admin string, jwt string) {
	mu.RLock()
	defer mu.RUnlock()
	return adminSecretKey, jwtSecretKey
}
