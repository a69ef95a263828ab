package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"

	"github.com/uhyunpark/perplink/params"
	"github.com/uhyunpark/perplink/pkg/crypto"
)

func main() {
	envPath := flag.String("env", "", "Path to a .env file (default: ./.env)")
	flag.Parse()

	cfg := params.LoadFromEnv(*envPath)

	// Step 1: Load or generate key
	var signer *crypto.Signer
	var err error
	if cfg.Auth.PrivateKeyHex != "" {
		signer, err = crypto.FromPrivateKeyHex(cfg.Auth.PrivateKeyHex)
	} else {
		fmt.Println("PERPLINK_PRIVATE_KEY not set, generating new keypair...")
		signer, err = crypto.GenerateKey()
		if err == nil {
			fmt.Printf("Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
		}
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Address: %s\n\n", signer.Address().Hex())

	// Step 2: Build subaccount and domain
	sub, err := crypto.NewSubaccount(signer.Address(), cfg.Auth.Subaccount)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	domain := crypto.DefaultDomain(cfg.Auth.ChainID, common.HexToAddress(cfg.Auth.EndpointAddress))

	fmt.Println("Stream Authentication:")
	fmt.Printf("  Subaccount: %s (%s)\n", sub.Hex(), sub.Name)
	fmt.Printf("  Chain ID: %d\n", cfg.Auth.ChainID)
	fmt.Printf("  Endpoint: %s\n", common.HexToAddress(cfg.Auth.EndpointAddress).Hex())
	fmt.Printf("  TTL: %s\n\n", cfg.Auth.CredentialTTL)

	// Step 3: Sign credential
	cred, err := crypto.NewStreamAuthSigner(signer, domain, cfg.Auth.CredentialTTL, nil).Credential(sub)
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}

	// Step 4: Verify it round-trips
	if err := crypto.VerifyCredential(domain, cred, time.Now()); err != nil {
		fmt.Printf("✗ Credential INVALID: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✓ Credential VALID")

	// Step 5: Print the authenticate request
	req := map[string]any{
		"method": "authenticate",
		"id":     0,
		"tx": map[string]string{
			"sender":     cred.Sender,
			"expiration": cred.Expiration,
		},
		"signature": cred.Signature,
	}
	out, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println()
	fmt.Println("Send over the subscription websocket:")
	fmt.Println(string(out))
}
