package main

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mdlayher/vsock"

	"github.com/cloudx-io/sealedauction/auction"
	"github.com/cloudx-io/sealedauction/auctionapi"
	"github.com/cloudx-io/sealedauction/dispatch"
	"github.com/cloudx-io/sealedauction/encryption"
)

// AuctionServer exposes the scoring pipeline over HTTP and, optionally,
// vsock for enclave deployments.
type AuctionServer struct {
	cfg     *Config
	reactor *auction.Reactor
	crypto  encryption.CryptoClient
	keys    *encryption.KeyManager
}

// NewAuctionServer wires the transport layer around a reactor.
func NewAuctionServer(cfg *Config, reactor *auction.Reactor, crypto encryption.CryptoClient, keys *encryption.KeyManager) *AuctionServer {
	return &AuctionServer{cfg: cfg, reactor: reactor, crypto: crypto, keys: keys}
}

// RegisterRoutes registers the HTTP endpoints.
func (s *AuctionServer) RegisterRoutes(r chi.Router) {
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/publickey", s.handlePublicKey)
	r.Post("/v1/scoreads", s.handleScoreAds)
}

func (s *AuctionServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *AuctionServer) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	keyID := s.keys.CurrentKeyID()
	publicKey, err := s.keys.PublicKeyBase64(keyID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"key_id":     keyID,
		"public_key": publicKey,
	})
}

func (s *AuctionServer) handleScoreAds(w http.ResponseWriter, r *http.Request) {
	var encrypted auctionapi.EncryptedRequest
	if err := json.NewDecoder(r.Body).Decode(&encrypted); err != nil {
		http.Error(w, fmt.Sprintf("malformed request: %v", err), http.StatusBadRequest)
		return
	}

	response, err := s.scoreEncrypted(r.Context(), &encrypted)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, auction.ErrInvalidRequest):
			status = http.StatusBadRequest
		case errors.Is(err, dispatch.ErrCancelled):
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// scoreEncrypted opens the envelope, runs scoring, and seals the response to
// the caller's key when one was supplied.
func (s *AuctionServer) scoreEncrypted(ctx context.Context, encrypted *auctionapi.EncryptedRequest) (any, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encrypted.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not valid base64", auction.ErrInvalidRequest)
	}

	plaintext, err := s.crypto.Decrypt(ciphertext)
	if err != nil {
		log.Printf("INFO: Request decryption failed: %v", err)
		return nil, fmt.Errorf("%w: decryption failed", auction.ErrInvalidRequest)
	}

	var req auctionapi.ScoreAdsRequest
	if err := json.Unmarshal(plaintext, &req); err != nil {
		return nil, fmt.Errorf("%w: malformed request body", auction.ErrInvalidRequest)
	}

	response, err := s.reactor.Execute(ctx, &req)
	if err != nil {
		return nil, err
	}

	if encrypted.ResponsePublicKey == "" {
		return response, nil
	}

	keyBytes, err := base64.StdEncoding.DecodeString(encrypted.ResponsePublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: response public key is not valid base64", auction.ErrInvalidRequest)
	}
	responseKey, err := ecdh.X25519().NewPublicKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid response public key", auction.ErrInvalidRequest)
	}

	body, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("%w: response encoding failed", auction.ErrInternal)
	}
	sealed, err := s.crypto.Encrypt(responseKey, s.keys.CurrentKeyID(), body)
	if err != nil {
		log.Printf("ERROR: Response encryption failed: %v", err)
		return nil, fmt.Errorf("%w: response encryption failed", auction.ErrInternal)
	}

	return &auctionapi.EncryptedResponse{
		Type:       "score_ads_response",
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// StartVsock serves the vsock protocol used when the service runs inside an
// enclave. Connections carry one JSON request and one JSON response.
func (s *AuctionServer) StartVsock(port uint32) error {
	listener, err := vsock.Listen(port, nil)
	if err != nil {
		return fmt.Errorf("failed to create vsock listener: %w", err)
	}
	defer func() {
		if err := listener.Close(); err != nil {
			log.Printf("ERROR: Failed to close listener: %v", err)
		}
	}()

	log.Printf("INFO: Scoring server listening on vsock port %d", port)

	semaphore := make(chan struct{}, s.cfg.MaxWorkers)
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("ERROR: Failed to accept vsock connection: %v", err)
			continue
		}

		// Acquire worker slot, immediate rejection if pool full.
		select {
		case semaphore <- struct{}{}:
			go func(c net.Conn) {
				defer func() { <-semaphore }()
				s.handleVsockConnection(c)
			}(conn)
		default:
			log.Printf("INFO: No workers available, rejecting connection (pool full)")
			if err := conn.Close(); err != nil {
				log.Printf("ERROR: Failed to close rejected connection: %v", err)
			}
		}
	}
}

func (s *AuctionServer) handleVsockConnection(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: Panic recovered in vsock handler: %v", r)
		}
		if err := conn.Close(); err != nil {
			log.Printf("ERROR: Failed to close connection: %v", err)
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, conn); err != nil {
		log.Printf("ERROR: Failed to read request: %v", err)
		return
	}

	var baseReq struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(buf.Bytes(), &baseReq); err != nil {
		log.Printf("ERROR: Failed to decode base request: %v", err)
		return
	}

	log.Printf("INFO: Received request type: %s", baseReq.Type)

	var response any
	switch baseReq.Type {
	case "ping":
		response = map[string]any{
			"type":      "pong",
			"timestamp": time.Now().Unix(),
		}

	case "key_request":
		keyID := s.keys.CurrentKeyID()
		publicKey, err := s.keys.PublicKeyBase64(keyID)
		if err != nil {
			response = vsockError(fmt.Sprintf("key request failed: %v", err))
		} else {
			response = map[string]any{
				"type":       "key_response",
				"key_id":     keyID,
				"public_key": publicKey,
			}
		}

	case "score_ads_request":
		var encrypted auctionapi.EncryptedRequest
		if err := json.Unmarshal(buf.Bytes(), &encrypted); err != nil {
			response = vsockError(fmt.Sprintf("failed to decode request: %v", err))
			break
		}
		// The read deadline bounds the connection; scoring itself inherits no
		// per-request deadline over vsock.
		result, err := s.scoreEncrypted(context.Background(), &encrypted)
		if err != nil {
			log.Printf("ERROR: Scoring failed: %v", err)
			response = vsockError(err.Error())
		} else {
			response = result
		}

	default:
		response = vsockError(fmt.Sprintf("unknown request type: %s", baseReq.Type))
	}

	if err := json.NewEncoder(conn).Encode(response); err != nil {
		log.Printf("ERROR: Failed to encode response: %v", err)
	}
}

func vsockError(message string) map[string]any {
	return map[string]any{
		"type":    "error",
		"message": message,
	}
}
