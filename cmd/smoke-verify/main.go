package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

// Smoke client: issues a token, submits one claim and checks the outcome
// shape. Run against a live instance with VOUCHD_SMOKE_* set.
func main() {
	base := os.Getenv("VOUCHD_API_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}
	email := os.Getenv("VOUCHD_SMOKE_EMAIL")
	if email == "" {
		log.Fatal("VOUCHD_SMOKE_EMAIL is required")
	}
	claimant := os.Getenv("VOUCHD_SMOKE_CLAIMANT")
	if claimant == "" {
		claimant = fmt.Sprintf("smoke-%d", time.Now().Unix())
	}

	client := &http.Client{Timeout: 30 * time.Second}

	token := obtainToken(client, base)

	body, _ := json.Marshal(map[string]any{
		"email":       email,
		"claimant_id": claimant,
	})
	req, err := http.NewRequest(http.MethodPost, base+"/v1/verify", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("verify request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		Status       string   `json:"status"`
		Entitlements []string `json:"entitlements"`
		Reason       string   `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		log.Fatalf("decode result: %v", err)
	}

	switch result.Status {
	case "granted":
		if len(result.Entitlements) == 0 {
			log.Fatal("granted result without entitlements")
		}
	case "rejected":
		if result.Reason == "" {
			log.Fatal("rejected result without reason")
		}
	default:
		log.Fatalf("unknown status %q", result.Status)
	}

	fmt.Printf("✅ verify smoke test passed: status=%s entitlements=%v reason=%s\n",
		result.Status, result.Entitlements, result.Reason)
}

func obtainToken(client *http.Client, base string) string {
	body, _ := json.Marshal(map[string]any{
		"subject": "smoke",
		"roles":   []string{"verifier"},
	})
	resp, err := client.Post(base+"/v1/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("token request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusServiceUnavailable {
		// auth disabled on the target instance
		return ""
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		log.Fatalf("decode token: %v", err)
	}
	return payload.Token
}
