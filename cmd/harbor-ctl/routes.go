package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

func newGetCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get routes [id]",
		Short: "List routes or show one route",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "routes" && args[0] != "route" {
				return fmt.Errorf("unknown resource %q (only routes is supported)", args[0])
			}
			c := newClient()

			if len(args) == 2 {
				data, err := c.get("/api/v1/routes/" + args[1])
				if err != nil {
					return err
				}
				var route model.Route
				if err := json.Unmarshal(data, &route); err != nil {
					return err
				}
				return printRoutes([]*model.Route{&route}, output)
			}

			data, err := c.get("/api/v1/routes")
			if err != nil {
				return err
			}
			var resp struct {
				Routes []*model.Route `json:"routes"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return err
			}
			return printRoutes(resp.Routes, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json, or yaml")
	return cmd
}

func printRoutes(routes []*model.Route, output string) error {
	switch output {
	case "json":
		data, err := json.MarshalIndent(routes, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(routes)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPATH\tBACKENDS\tPRIORITY\tTIMEOUT")
		for _, r := range routes {
			urls := make([]string, len(r.Backends))
			for i, b := range r.Backends {
				urls[i] = b.URL
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%dms\n",
				r.ID, r.Path, strings.Join(urls, ","), r.Priority, r.TimeoutMS)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
	return nil
}

func newApplyCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply route documents from a YAML or JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--filename is required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			routes, err := parseRouteDocs(data)
			if err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			if len(routes) == 0 {
				return fmt.Errorf("%s contains no routes", file)
			}

			c := newClient()
			resp, err := c.post("/api/v1/routes:bulk-apply", routes)
			if err != nil {
				return err
			}

			var result struct {
				Results []struct {
					ID     string `json:"id"`
					Status string `json:"status"`
					Detail string `json:"detail"`
				} `json:"results"`
			}
			if err := json.Unmarshal(resp, &result); err != nil {
				return err
			}

			failed := 0
			for _, item := range result.Results {
				if item.Status == "error" {
					failed++
					fmt.Printf("route/%s: %s (%s)\n", item.ID, item.Status, item.Detail)
					continue
				}
				fmt.Printf("route/%s %s\n", item.ID, item.Status)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d routes failed", failed, len(result.Results))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "filename", "f", "", "File containing a Route, RouteList, or list of routes")
	return cmd
}

// parseRouteDocs accepts a RouteList document, a single Route document
// (with or without a kind field), or a bare YAML/JSON list of routes.
func parseRouteDocs(data []byte) ([]model.Route, error) {
	var probe struct {
		Kind  string        `yaml:"kind" json:"kind"`
		Items []model.Route `yaml:"items" json:"items"`
	}
	if err := yaml.Unmarshal(data, &probe); err == nil && probe.Kind == "RouteList" {
		return probe.Items, nil
	}

	var list []model.Route
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var one model.Route
	if err := yaml.Unmarshal(data, &one); err != nil {
		return nil, err
	}
	return []model.Route{one}, nil
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete route <id>",
		Short: "Delete a route",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "route" && args[0] != "routes" {
				return fmt.Errorf("unknown resource %q (only route is supported)", args[0])
			}
			c := newClient()
			data, err := c.delete("/api/v1/routes/" + args[1])
			if err != nil {
				return err
			}
			var resp struct {
				Message string `json:"message"`
			}
			json.Unmarshal(data, &resp)
			fmt.Println(resp.Message)
			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all routes as a RouteList document",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			path := "/api/v1/routes:export"
			if output == "yaml" {
				path += "?format=yaml"
			}
			data, err := c.get(path)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			if len(data) > 0 && data[len(data)-1] != '\n' {
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "Output format: yaml or json")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect CLI configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "view",
		Short: "Show the resolved server and credential state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			fmt.Printf("server: %s\n", c.server)
			if c.token == "" {
				fmt.Println("token: (none)")
				return nil
			}
			fmt.Printf("token: %s...\n", truncateToken(c.token))
			if creds := loadCredentials(); creds != nil && creds.Server == c.server {
				fmt.Printf("expires_at: %s\n", creds.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	})

	return cmd
}

func truncateToken(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:12]
}
