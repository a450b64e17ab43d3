package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "chatsync/docs"
	"chatsync/pkg/gateway"
	"chatsync/pkg/outbox"
	"chatsync/pkg/poll"
	"chatsync/pkg/push"
	"chatsync/pkg/session"
	"chatsync/pkg/store"
	"chatsync/pkg/upstream"
)

// @title           chatsync gateway
// @version         1.0
// @description     Local chat synchronization sidecar - reconciles optimistic sends, polls and push events into one message list per conversation

// @host      127.0.0.1:8787
// @BasePath  /

// @schemes   http

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	settings := loadSettingsFromEnv()
	if err := settings.Validate(); err != nil {
		log.Fatalf("settings invalid: %v", err)
	}

	client := upstream.NewClient(settings.BackendURL, settings.SessionToken)

	selfID := settings.SelfUserID
	if selfID == "" {
		sub, err := client.TokenSubject()
		if err != nil {
			log.Fatalf("cannot determine user id (set SELF_USER_ID or use a JWT session token): %v", err)
		}
		selfID = sub
	}

	// Per-login session wiring: store, tracker, poller, session.
	msgStore := store.New()
	self := store.Sender{Kind: store.SenderKindID, ID: selfID}
	tracker := outbox.NewTracker(msgStore, client, self)
	poller := poll.New(msgStore, client, settings.PollInterval)
	sess := session.New(msgStore, tracker, poller, client)
	defer sess.Close()

	pushCtx, stopPush := context.WithCancel(context.Background())
	defer stopPush()
	if settings.PushURL != "" {
		listener := push.NewListener(settings.PushURL, settings.SessionToken, sess.HandlePush)
		go listener.Run(pushCtx)
	} else {
		log.Println("PUSH_URL not set; running on polling only")
	}

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	// CORS configuration for the dashboard origins
	allowedOrigins := os.Getenv("CORS_ALLOWED_ORIGINS")
	var origins []string
	if allowedOrigins == "" {
		origins = []string{"*"}
	} else {
		parts := strings.Split(allowedOrigins, ",")
		origins = make([]string, 0, len(parts))
		for _, p := range parts {
			o := strings.TrimSpace(p)
			if o != "" {
				origins = append(origins, o)
			}
		}
		if len(origins) == 0 {
			origins = []string{"*"}
		}
	}

	allowCreds := strings.EqualFold(os.Getenv("CORS_ALLOW_CREDENTIALS"), "true")

	corsCfg := cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: allowCreds,
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsCfg))

	gateway.NewHandler(sess).RegisterRoutes(router)

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    settings.ListenAddr,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	log.Println("Shutting down gateway...")
	stopPush()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Gateway forced to shutdown: %v", err)
	}

	log.Println("Gateway exiting")
}

// Settings holds environment-driven sidecar configuration.
type Settings struct {
	BackendURL   string
	PushURL      string
	SessionToken string
	SelfUserID   string
	ListenAddr   string
	PollInterval time.Duration
}

// loadSettingsFromEnv reads sidecar settings from environment variables.
// Vars:
// - BACKEND_URL: base URL of the platform backend's chat API (required)
// - PUSH_URL: websocket URL of the push channel (optional)
// - SESSION_TOKEN: bearer token for the logged-in user (required)
// - SELF_USER_ID: local user id; derived from the token's sub claim when unset
// - LISTEN_ADDR: gateway bind address, default 127.0.0.1:8787
// - POLL_INTERVAL_MS: poll cadence in milliseconds, default 2500
func loadSettingsFromEnv() Settings {
	interval := poll.DefaultInterval
	if ms := os.Getenv("POLL_INTERVAL_MS"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil && n > 0 {
			interval = time.Duration(n) * time.Millisecond
		} else {
			log.Printf("ignoring invalid POLL_INTERVAL_MS %q", ms)
		}
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8787"
	}

	return Settings{
		BackendURL:   os.Getenv("BACKEND_URL"),
		PushURL:      os.Getenv("PUSH_URL"),
		SessionToken: os.Getenv("SESSION_TOKEN"),
		SelfUserID:   os.Getenv("SELF_USER_ID"),
		ListenAddr:   addr,
		PollInterval: interval,
	}
}

// Validate ensures the settings are usable before wiring starts.
func (s Settings) Validate() error {
	if s.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	if s.SessionToken == "" {
		return fmt.Errorf("SESSION_TOKEN is required")
	}
	if s.PushURL != "" && !strings.HasPrefix(s.PushURL, "ws://") && !strings.HasPrefix(s.PushURL, "wss://") {
		return fmt.Errorf("PUSH_URL must be a ws:// or wss:// URL")
	}
	return nil
}
