package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/Rrens/collab-sessions/internal/config"
	"github.com/Rrens/collab-sessions/internal/security"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// token mints an API access token signed with the configured secret, for
// operators and for deployments without an external identity provider.
func main() {
	userID := flag.String("user", "", "user id (token subject)")
	name := flag.String("name", "", "display name carried in the token")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *userID == "" {
		log.Fatal().Msg("-user is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	token, err := issueAccessToken(cfg.Auth, *userID, *name)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to generate access token")
	}

	log.Info().
		Str("user_id", *userID).
		Dur("expires_in", cfg.Auth.AccessTokenTTL).
		Msg("Access token issued")
	fmt.Println(token)
}

func issueAccessToken(cfg config.AuthConfig, userID, name string) (string, error) {
	if cfg.JWTSecret == "" {
		return "", errors.New("auth.jwt_secret (JWT_SECRET) is required")
	}
	if userID == "" {
		return "", errors.New("user id is required")
	}

	jwtManager := security.NewJWTManager(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.ParticipantTokenTTL)
	return jwtManager.GenerateAccessToken(userID, name)
}
