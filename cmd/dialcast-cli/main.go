package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiHost string
	token   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dialcast-cli",
		Short: "CLI for the dialcast dispatcher",
		Long:  `Command-line client for the dialcast outbound-call campaign dispatcher API.`,
	}

	rootCmd.PersistentFlags().StringVar(&apiHost, "host", "http://localhost:8080", "API base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("DIALCAST_TOKEN"), "Bearer token (or DIALCAST_TOKEN)")

	// === AUTH ===
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain a session token",
		Run:   runLogin,
	}
	loginCmd.Flags().String("email", "", "operator email (required)")
	loginCmd.Flags().String("password", "", "operator password (required)")

	// === CAMPAIGNS ===
	campaignCmd := &cobra.Command{
		Use:   "campaign",
		Short: "Manage campaigns",
	}

	campaignCreateCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a campaign",
		Run:   runCampaignCreate,
	}
	campaignCreateCmd.Flags().String("name", "", "campaign name (required)")
	campaignCreateCmd.Flags().Int("limit", 1, "concurrent call limit")
	campaignCreateCmd.Flags().String("agent", "", "agent id")
	campaignCreateCmd.Flags().String("from", "", "caller line")
	campaignCreateCmd.Flags().String("contacts-file", "", "file with one phone number per line")

	campaignActivateCmd := &cobra.Command{
		Use:   "activate [id]",
		Short: "Activate a campaign",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runCampaignAction("activate", args[0])
		},
	}
	campaignPauseCmd := &cobra.Command{
		Use:   "pause [id]",
		Short: "Pause a campaign",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runCampaignAction("pause", args[0])
		},
	}
	campaignResumeCmd := &cobra.Command{
		Use:   "resume [id]",
		Short: "Resume a paused campaign",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runCampaignAction("resume", args[0])
		},
	}
	campaignStatusCmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show campaign progress",
		Args:  cobra.ExactArgs(1),
		Run:   runCampaignStatus,
	}
	campaignCmd.AddCommand(campaignCreateCmd, campaignActivateCmd, campaignPauseCmd, campaignResumeCmd, campaignStatusCmd)

	// === CALLS ===
	callCmd := &cobra.Command{
		Use:   "call",
		Short: "Place a direct outbound call",
		Run:   runCall,
	}
	callCmd.Flags().String("to", "", "destination number (required)")
	callCmd.Flags().String("from", "", "caller line")
	callCmd.Flags().String("agent", "", "agent id")

	// === SCHEDULING ===
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Book a scheduled call",
		Run:   runSchedule,
	}
	scheduleCmd.Flags().String("phone", "", "destination number (required)")
	scheduleCmd.Flags().String("at", "", "fire time, RFC3339 (required)")
	scheduleCmd.Flags().String("tz", "", "IANA timezone")
	scheduleCmd.Flags().String("from", "", "caller line")
	scheduleCmd.Flags().String("agent", "", "agent id")

	scheduleCancelCmd := &cobra.Command{
		Use:   "schedule-cancel [id]",
		Short: "Cancel a scheduled call",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			body := doRequest(http.MethodPost, "/api/v1/scheduling/cancel?id="+url.QueryEscape(args[0]), nil)
			fmt.Println(string(body))
		},
	}

	// === MAINTENANCE ===
	cleanupCmd := &cobra.Command{
		Use:   "cleanup-slots [campaignId]",
		Short: "Wipe every lease of a campaign",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			body := doRequest(http.MethodPost, "/api/v1/maintenance/cleanup-slots?campaign_id="+url.QueryEscape(args[0]), nil)
			fmt.Println(string(body))
		},
	}

	rootCmd.AddCommand(loginCmd, campaignCmd, callCmd, scheduleCmd, scheduleCancelCmd, cleanupCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// doRequest performs an authenticated API call and returns the raw body
func doRequest(method, path string, payload interface{}) []byte {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			fmt.Printf("Error encoding request: %v\n", err)
			os.Exit(1)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, apiHost+path, body)
	if err != nil {
		fmt.Printf("Error building request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("Error calling API: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		fmt.Printf("API error (%d): %s\n", resp.StatusCode, strings.TrimSpace(string(data)))
		os.Exit(1)
	}
	return data
}

func runLogin(cmd *cobra.Command, args []string) {
	email, _ := cmd.Flags().GetString("email")
	password, _ := cmd.Flags().GetString("password")
	if email == "" || password == "" {
		fmt.Println("Error: --email and --password are required")
		os.Exit(1)
	}

	body := doRequest(http.MethodPost, "/api/v1/login", map[string]string{
		"email":    email,
		"password": password,
	})

	var result struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &result); err != nil || result.Token == "" {
		fmt.Printf("Unexpected login response: %s\n", string(body))
		os.Exit(1)
	}
	fmt.Println(result.Token)
}

func runCampaignCreate(cmd *cobra.Command, args []string) {
	name, _ := cmd.Flags().GetString("name")
	limit, _ := cmd.Flags().GetInt("limit")
	agent, _ := cmd.Flags().GetString("agent")
	from, _ := cmd.Flags().GetString("from")
	contactsFile, _ := cmd.Flags().GetString("contacts-file")

	if name == "" {
		fmt.Println("Error: --name is required")
		os.Exit(1)
	}

	var contacts []string
	if contactsFile != "" {
		data, err := os.ReadFile(contactsFile)
		if err != nil {
			fmt.Printf("Error reading contacts file: %v\n", err)
			os.Exit(1)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if phone := strings.TrimSpace(line); phone != "" {
				contacts = append(contacts, phone)
			}
		}
	}

	body := doRequest(http.MethodPost, "/api/v1/campaigns", map[string]interface{}{
		"name":             name,
		"concurrent_limit": limit,
		"agent_id":         agent,
		"from_phone":       from,
		"contacts":         contacts,
	})

	var c struct {
		ID            string `json:"id"`
		TotalContacts int    `json:"total_contacts"`
	}
	if err := json.Unmarshal(body, &c); err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Printf("Created campaign %s (%d contacts)\n", c.ID, c.TotalContacts)
}

func runCampaignAction(action, id string) {
	body := doRequest(http.MethodPost, "/api/v1/campaigns/"+action+"?id="+url.QueryEscape(id), nil)
	fmt.Println(string(body))
}

func runCampaignStatus(cmd *cobra.Command, args []string) {
	body := doRequest(http.MethodGet, "/api/v1/campaigns/status?id="+url.QueryEscape(args[0]), nil)

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Println(pretty.String())
}

func runCall(cmd *cobra.Command, args []string) {
	to, _ := cmd.Flags().GetString("to")
	from, _ := cmd.Flags().GetString("from")
	agent, _ := cmd.Flags().GetString("agent")
	if to == "" {
		fmt.Println("Error: --to is required")
		os.Exit(1)
	}

	body := doRequest(http.MethodPost, "/api/v1/calls/outbound", map[string]string{
		"to":       to,
		"from":     from,
		"agent_id": agent,
	})

	var cl struct {
		ID           string `json:"id"`
		VendorCallID string `json:"vendor_call_id"`
	}
	if err := json.Unmarshal(body, &cl); err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Printf("Call %s dispatched (vendor %s)\n", cl.ID, cl.VendorCallID)
}

func runSchedule(cmd *cobra.Command, args []string) {
	phone, _ := cmd.Flags().GetString("phone")
	at, _ := cmd.Flags().GetString("at")
	tz, _ := cmd.Flags().GetString("tz")
	from, _ := cmd.Flags().GetString("from")
	agent, _ := cmd.Flags().GetString("agent")

	if phone == "" || at == "" {
		fmt.Println("Error: --phone and --at are required")
		os.Exit(1)
	}
	when, err := time.Parse(time.RFC3339, at)
	if err != nil {
		fmt.Printf("Error: --at must be RFC3339 (e.g. 2026-09-01T14:30:00Z): %v\n", err)
		os.Exit(1)
	}

	body := doRequest(http.MethodPost, "/api/v1/scheduling/schedule", map[string]interface{}{
		"phone_number":  phone,
		"scheduled_for": when,
		"timezone":      tz,
		"from_phone":    from,
		"agent_id":      agent,
	})

	var sc struct {
		ID           string    `json:"id"`
		ScheduledFor time.Time `json:"scheduled_for"`
	}
	if err := json.Unmarshal(body, &sc); err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Printf("Scheduled call %s for %s\n", sc.ID, sc.ScheduledFor.Format(time.RFC3339))
}
