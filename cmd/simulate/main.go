package main

import (
	"bytes"
	"flag"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"lv-tradehook/internal/auth"
	"lv-tradehook/internal/logging"

	"github.com/bytedance/sonic"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type payload struct {
	Token    string  `json:"token,omitempty"`
	Nonce    string  `json:"nonce,omitempty"`
	Exchange string  `json:"exchange"`
	APIKey   string  `json:"apiKey,omitempty"`
	Secret   string  `json:"secret,omitempty"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Amount   float64 `json:"amount"`
	Price    float64 `json:"price"`
}

func main() {
	_ = godotenv.Load()
	url := flag.String("url", "http://127.0.0.1:8000/webhook", "webhook endpoint")
	exchange := flag.String("exchange", "paper", "venue id")
	symbol := flag.String("symbol", "SOL/USDT", "market symbol")
	side := flag.String("side", "sell", "buy or sell")
	amount := flag.Float64("amount", 1, "order amount")
	price := flag.Float64("price", 174.10, "reference price")
	token := flag.String("token", "", "send token auth instead of a signature")
	nonce := flag.String("nonce", "", "nonce for token auth (defaults to unix nanos)")
	apiKey := flag.String("api-key", os.Getenv("STATIC_API_KEY"), "value for X-API-Key")
	flag.Parse()

	log, err := logging.New("info")
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	p := payload{
		Exchange: *exchange,
		APIKey:   os.Getenv("DEFAULT_API_KEY"),
		Secret:   os.Getenv("DEFAULT_API_SECRET"),
		Symbol:   *symbol,
		Side:     *side,
		Amount:   *amount,
		Price:    *price,
	}
	if *token != "" {
		p.Token = *token
		p.Nonce = *nonce
		if p.Nonce == "" {
			p.Nonce = strconv.FormatInt(time.Now().UnixNano(), 10)
		}
	}
	body, err := sonic.Marshal(p)
	if err != nil {
		log.Fatal("encode payload", zap.Error(err))
	}

	req, err := http.NewRequest(http.MethodPost, *url, bytes.NewReader(body))
	if err != nil {
		log.Fatal("build request", zap.Error(err))
	}
	req.Header.Set("Content-Type", "application/json")
	if *apiKey != "" {
		req.Header.Set("X-API-Key", *apiKey)
	}
	if *token == "" {
		secret := os.Getenv("WEBHOOK_SECRET")
		if secret == "" {
			log.Fatal("WEBHOOK_SECRET is required for signed requests")
		}
		req.Header.Set("X-Signature", auth.Sign(secret, body))
		req.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	}

	client := &http.Client{Timeout: 30 * time.Second}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		log.Fatal("send webhook", zap.Error(err))
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	log.Info("webhook sent",
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
		zap.ByteString("body", out),
	)
}
