package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/spotcore/spotcore/internal/auth"
	"github.com/spotcore/spotcore/internal/config"
	"github.com/spotcore/spotcore/internal/engine"
	"github.com/spotcore/spotcore/internal/logging"
	"github.com/spotcore/spotcore/internal/storage"
)

type demoUser struct {
	name string
	id   uuid.UUID
	cash string
	// symbol -> amount
	assets map[string]string
}

var demoUsers = []demoUser{
	{
		name:   "alice",
		id:     uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		cash:   "10000",
		assets: map[string]string{"BTC": "2", "ETH": "50"},
	},
	{
		name:   "bob",
		id:     uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		cash:   "5000",
		assets: map[string]string{"BTC": "1"},
	},
	{
		name:   "carol",
		id:     uuid.MustParse("33333333-3333-3333-3333-333333333333"),
		cash:   "1000",
		assets: map[string]string{},
	},
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	if cfg.App.Env != "dev" && cfg.App.Env != "test" {
		log.Fatalf("refusing to seed: app env must be 'dev' or 'test' (got '%s')", cfg.App.Env)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	logger := logging.NewLogger("warn", cfg.App.ServiceName, cfg.App.Env)

	commissionRate, err := decimal.NewFromString(cfg.Exchange.CommissionRate)
	if err != nil {
		log.Fatalf("invalid commission rate: %v", err)
	}

	store := storage.NewPostgres(pool)
	svc := engine.New(store, cfg.Exchange.Symbols, commissionRate, engine.NopNotifier{}, logger, nil)

	fmt.Println("Seeding demo accounts...")

	for _, u := range demoUsers {
		cash, err := decimal.NewFromString(u.cash)
		if err != nil {
			log.Fatalf("seed %s: bad cash amount: %v", u.name, err)
		}
		if err := svc.DepositCash(ctx, u.id, cash); err != nil {
			log.Fatalf("seed %s: deposit cash: %v", u.name, err)
		}
		for symbol, raw := range u.assets {
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				log.Fatalf("seed %s: bad %s amount: %v", u.name, symbol, err)
			}
			if err := svc.DepositAsset(ctx, u.id, symbol, amount); err != nil {
				log.Fatalf("seed %s: deposit %s: %v", u.name, symbol, err)
			}
		}

		token, err := demoToken(u.id, cfg.JWTSecret)
		if err != nil {
			log.Fatalf("seed %s: sign token: %v", u.name, err)
		}
		fmt.Printf("✓ %s %s\n  token: %s\n", u.name, u.id, token)
	}

	fmt.Println("\n=== Seed Complete ===")
}

func demoToken(userID uuid.UUID, secret string) (string, error) {
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
