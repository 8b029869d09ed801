package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"coffer/cmd/internal/passphrase"
	"coffer/config"
	"coffer/crypto"
	"coffer/rpc"
)

const (
	keystorePassEnv = "COFFER_KEYSTORE_PASS"
	authTokenEnv    = "COFFER_RPC_TOKEN"
	jwtIssuerEnv    = "COFFER_JWT_ISSUER"
	jwtAudienceEnv  = "COFFER_JWT_AUDIENCE"

	defaultKeystoreFile = "operator.keystore"
	defaultPriceDecimal = 18
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv(authTokenEnv)

func main() {
	args := os.Args[1:]
	var err error
	rpcEndpoint = defaultRPCEndpoint()
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "keygen":
		path := defaultKeystoreFile
		if len(args) > 1 {
			path = args[1]
		}
		keygen(path)
	case "address":
		if len(args) < 2 {
			fmt.Println("Error: Please provide a keystore file.")
			printUsage()
			return
		}
		showAddress(args[1])
	case "token":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a subject address and a role.")
			printUsage()
			return
		}
		ttl := time.Hour
		if len(args) > 3 {
			parsed, err := time.ParseDuration(args[3])
			if err != nil {
				fmt.Println("Error: Invalid ttl. Use Go duration syntax such as 30m or 12h.")
				return
			}
			ttl = parsed
		}
		mintToken(args[1], args[2], ttl)
	case "price":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a symbol and a value.")
			printUsage()
			return
		}
		decimals := uint64(defaultPriceDecimal)
		if len(args) > 3 {
			decimals, err = strconv.ParseUint(args[3], 10, 8)
			if err != nil {
				fmt.Println("Error: Invalid decimals.")
				return
			}
		}
		setPrice(args[1], args[2], uint8(decimals))
	case "quote":
		if len(args) < 2 {
			fmt.Println("Error: Please provide a symbol.")
			printUsage()
			return
		}
		quote(args[1])
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func keygen(path string) {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Error: %s already exists. Refusing to overwrite a keystore.\n", path)
		return
	}

	pass, err := passphrase.NewSource(keystorePassEnv).Get()
	if err != nil {
		fmt.Printf("Error reading passphrase: %v\n", err)
		return
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		panic(err)
	}
	if err := crypto.SaveToKeystore(path, key, pass); err != nil {
		panic(fmt.Sprintf("Failed to save keystore to %s: %v", path, err))
	}

	fmt.Printf("Generated new key and saved to %s\n", path)
	fmt.Printf("Address: %s\n", key.PubKey().Address().String())
	fmt.Println("Store this file securely. Tokens are minted against this address.")
}

func showAddress(path string) {
	pass, err := passphrase.NewSource(keystorePassEnv).Get()
	if err != nil {
		fmt.Printf("Error reading passphrase: %v\n", err)
		return
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		fmt.Printf("Error opening keystore %s: %v\n", path, err)
		return
	}
	fmt.Println(key.PubKey().Address().String())
}

func mintToken(subject, role string, ttl time.Duration) {
	secret := strings.TrimSpace(os.Getenv(config.DefaultSecretEnv))
	if secret == "" {
		fmt.Printf("Error: %s must be set to mint tokens.\n", config.DefaultSecretEnv)
		return
	}

	issuer := strings.TrimSpace(os.Getenv(jwtIssuerEnv))
	if issuer == "" {
		issuer = "cofferd"
	}
	cfg := rpc.AuthConfig{
		Secret:   secret,
		Issuer:   issuer,
		Audience: strings.TrimSpace(os.Getenv(jwtAudienceEnv)),
	}

	token, err := rpc.MintToken(cfg, subject, role, ttl)
	if err != nil {
		fmt.Printf("Error minting token: %v\n", err)
		return
	}
	fmt.Println(token)
}

type pricePayload struct {
	Symbol    string `json:"symbol"`
	Value     string `json:"value"`
	Source    string `json:"source"`
	UpdatedAt int64  `json:"updatedAt"`
}

func setPrice(symbol, value string, decimals uint8) {
	param := map[string]interface{}{
		"symbol":   strings.ToUpper(strings.TrimSpace(symbol)),
		"value":    strings.TrimSpace(value),
		"decimals": decimals,
	}
	result, err := callRPC("oracle_setManualPrice", param, true)
	if err != nil {
		fmt.Printf("Error setting price: %v\n", err)
		return
	}
	printPrice(result)
}

func quote(symbol string) {
	param := map[string]string{"symbol": strings.ToUpper(strings.TrimSpace(symbol))}
	result, err := callRPC("oracle_getPrice", param, false)
	if err != nil {
		fmt.Printf("Error fetching price: %v\n", err)
		return
	}
	printPrice(result)
}

func printPrice(result json.RawMessage) {
	var payload pricePayload
	if err := json.Unmarshal(result, &payload); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	fmt.Printf("Price for: %s\n", payload.Symbol)
	fmt.Printf("  Value:     %s\n", payload.Value)
	fmt.Printf("  Source:    %s\n", payload.Source)
	fmt.Printf("  UpdatedAt: %s\n", time.Unix(payload.UpdatedAt, 0).UTC().Format(time.RFC3339))
}

func callRPC(method string, param interface{}, requireAuth bool) (json.RawMessage, error) {
	payload := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if param != nil {
		payload["params"] = []interface{}{param}
	} else {
		payload["params"] = []interface{}{}
	}
	body, _ := json.Marshal(payload)
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response from daemon")
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("error from daemon: %s", rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if requireAuth {
		if rpcAuthToken == "" {
			return nil, fmt.Errorf("privileged RPC call requires %s to be set", authTokenEnv)
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}

func printUsage() {
	fmt.Println("Usage: cofferctl <command> [arguments]")
	fmt.Println()
	fmt.Println("Privileged commands send the bearer token from " + authTokenEnv + ".")
	fmt.Println("Keystore commands read the passphrase from " + keystorePassEnv + " or prompt for it.")
	fmt.Println("Commands:")
	fmt.Println("  keygen [path]                      - Generates a key and saves an encrypted keystore (default operator.keystore)")
	fmt.Println("  address <keystore>                 - Prints the bech32 address of a keystore")
	fmt.Println("  token <address> <role> [ttl]       - Mints a bearer token (roles: client, operator, admin; default ttl 1h)")
	fmt.Println("  price <symbol> <value> [decimals]  - Pushes a manual price observation (default 18 decimals)")
	fmt.Println("  quote <symbol>                     - Fetches the cached price for a symbol")
	fmt.Println()
	fmt.Println("Global flags:")
	fmt.Println("  --rpc <url>                        - JSON-RPC endpoint (default http://localhost:8080 or RPC_URL)")
}
