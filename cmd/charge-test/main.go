package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// charge-test drives a running kiosk-terminal service over its control
// API: bind, show status, run a charge, show status again. Point it at a
// service configured with the simulated driver for an end-to-end dry run.
func main() {
	addr := flag.String("addr", "http://127.0.0.1:33481", "base URL of the kiosk-terminal service")
	location := flag.String("location", "", "location to bind (empty uses the service's configured location)")
	amount := flag.Int64("amount", 500, "charge amount in minor units")
	currency := flag.String("currency", "usd", "charge currency")
	email := flag.String("email", "", "receipt email")
	skipBind := flag.Bool("skip-bind", false, "assume the reader is already bound")
	flag.Parse()

	client := &http.Client{Timeout: 2 * time.Minute}

	fmt.Println("=== Kiosk Terminal Charge Test ===")

	if !*skipBind {
		fmt.Println("\n1. Binding reader...")
		body := "{}"
		if *location != "" {
			body = fmt.Sprintf(`{"location_id": %q}`, *location)
		}
		mustPost(client, *addr+"/bind", body)
	}

	fmt.Println("\n2. Service status:")
	mustGet(client, *addr+"/status")

	fmt.Printf("\n3. Charging %d %s...\n", *amount, *currency)
	charge := fmt.Sprintf(`{"amount": %d, "currency": %q, "receipt_email": %q}`, *amount, *currency, *email)
	mustPost(client, *addr+"/charge", charge)

	fmt.Println("\n4. Status after charge:")
	mustGet(client, *addr+"/status")

	fmt.Println("\n=== Charge Test Complete ===")
}

func mustPost(client *http.Client, url, body string) {
	resp, err := client.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "POST %s failed: %v\n", url, err)
		os.Exit(1)
	}
	printResponse(resp)
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func mustGet(client *http.Client, url string) {
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "GET %s failed: %v\n", url, err)
		os.Exit(1)
	}
	printResponse(resp)
}

func printResponse(resp *http.Response) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read response: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("HTTP %d\n", resp.StatusCode)

	var pretty map[string]interface{}
	if json.Unmarshal(data, &pretty) == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return
	}
	fmt.Println(string(data))
}
