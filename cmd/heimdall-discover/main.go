package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rjboer/heimdallclient/internal/mdns"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "How long to browse")
	service := flag.String("service", mdns.DefaultService, "DNS-SD service type")
	flag.Parse()

	fmt.Println("===============================================================")
	fmt.Println(" Heimdall appliance discovery")
	fmt.Println("===============================================================")
	fmt.Printf(" Service : %s.local\n", *service)
	fmt.Printf(" Timeout : %s\n", *timeout)
	fmt.Println("---------------------------------------------------------------")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	hosts, err := mdns.Discover(ctx, *service)
	duration := time.Since(start)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
		os.Exit(1)
	}
	if len(hosts) == 0 {
		fmt.Printf("No appliances found (%s)\n", duration.Truncate(time.Millisecond))
		return
	}

	fmt.Printf("Discovered %d appliance(s) in %s\n", len(hosts), duration.Truncate(time.Millisecond))
	fmt.Println("===============================================================")
	for i, h := range hosts {
		fmt.Printf(" Appliance #%d\n", i+1)
		fmt.Println("---------------------------------------------------------------")
		fmt.Printf(" Instance : %s\n", h.Instance)
		fmt.Printf(" Hostname : %s\n", h.Hostname)
		fmt.Printf(" Port     : %d\n", h.Port)
		fmt.Println(" Addresses:")
		if len(h.Addresses) == 0 {
			fmt.Println("   <none>")
		}
		for _, ip := range h.Addresses {
			fmt.Printf("   - %s\n", ip)
		}
		if len(h.TXT) > 0 {
			fmt.Println(" TXT Records:")
			for _, txt := range h.TXT {
				fmt.Printf("   - %s\n", txt)
			}
		}
		fmt.Printf(" Endpoint : %s\n", h.Address())
		fmt.Println("===============================================================")
	}
}
