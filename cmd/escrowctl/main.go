// escrowctl is the operator CLI for the coordinator daemon: seed milestones,
// inspect derived status, run guard checks, manage drafts and fire actions.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "seed":
		return seedCmd(args[1:], out)
	case "status":
		return statusCmd(args[1:], out)
	case "guard":
		return guardCmd(args[1:], out)
	case "draft":
		return draftCmd(args[1:], out)
	case "execute":
		return executeCmd(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "escrowctl commands:")
	fmt.Fprintln(out, "  seed --file milestone.json [--refresh]")
	fmt.Fprintln(out, "  status --milestone <id>")
	fmt.Fprintln(out, "  guard --action <edit|delete|complete|invoice> --milestone <id>")
	fmt.Fprintln(out, "  draft --milestone <id> [--set field=value] [--save] [--discard]")
	fmt.Fprintln(out, "  execute --action <edit|delete|complete|invoice> --milestone <id> [--fields json] [--notes text]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func addrFlag(fs *flag.FlagSet) *string {
	def := os.Getenv("COORDINATOR_ADDR")
	if def == "" {
		def = "http://localhost:8090"
	}
	return fs.String("addr", def, "coordinator daemon address")
}

func call(addr, method, path string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, addr+path, bodyReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return respBody, fmt.Errorf("coordinator: status=%d body=%s", resp.StatusCode, respBody)
	}
	return respBody, nil
}

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}

func printJSON(out io.Writer, raw []byte) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Fprintln(out, string(raw))
		return
	}
	pretty, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(out, string(pretty))
}

func seedCmd(args []string, out io.Writer) error {
	fs := newFlagSet("seed")
	addr := addrFlag(fs)
	file := fs.String("file", "", "milestone json file")
	refresh := fs.Bool("refresh", false, "refetch the authoritative copy after seeding")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("file required")
	}
	raw, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read milestone: %w", err)
	}
	path := "/v1/milestones"
	if *refresh {
		path += "?refresh=true"
	}
	resp, err := call(*addr, http.MethodPost, path, raw)
	if err != nil {
		return err
	}
	printJSON(out, resp)
	return nil
}

func statusCmd(args []string, out io.Writer) error {
	fs := newFlagSet("status")
	addr := addrFlag(fs)
	milestone := fs.String("milestone", "", "milestone id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *milestone == "" {
		return errors.New("milestone required")
	}
	resp, err := call(*addr, http.MethodGet, "/v1/milestones/"+*milestone+"/status", nil)
	if err != nil {
		return err
	}
	printJSON(out, resp)
	return nil
}

func guardCmd(args []string, out io.Writer) error {
	fs := newFlagSet("guard")
	addr := addrFlag(fs)
	action := fs.String("action", "", "action to check")
	milestone := fs.String("milestone", "", "milestone id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *action == "" || *milestone == "" {
		return errors.New("action and milestone required")
	}
	body, _ := json.Marshal(map[string]string{"action": *action, "milestone_id": *milestone})
	resp, err := call(*addr, http.MethodPost, "/v1/guard/check", body)
	if err != nil {
		return err
	}
	printJSON(out, resp)
	return nil
}

func draftCmd(args []string, out io.Writer) error {
	fs := newFlagSet("draft")
	addr := addrFlag(fs)
	milestone := fs.String("milestone", "", "milestone id")
	set := fs.String("set", "", "field=value to stage")
	save := fs.Bool("save", false, "persist the draft immediately")
	discard := fs.Bool("discard", false, "discard the draft")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *milestone == "" {
		return errors.New("milestone required")
	}
	base := "/v1/milestones/" + *milestone + "/draft"
	if *set != "" {
		field, value, ok := splitFieldValue(*set)
		if !ok {
			return fmt.Errorf("bad --set %q, want field=value", *set)
		}
		body, _ := json.Marshal(map[string]any{"field": field, "value": value})
		if _, err := call(*addr, http.MethodPost, base+"/fields", body); err != nil {
			return err
		}
	}
	if *save {
		if _, err := call(*addr, http.MethodPost, base+"/save", nil); err != nil {
			return err
		}
	}
	if *discard {
		if _, err := call(*addr, http.MethodPost, base+"/discard", nil); err != nil {
			return err
		}
	}
	resp, err := call(*addr, http.MethodGet, base, nil)
	if err != nil {
		return err
	}
	printJSON(out, resp)
	return nil
}

// splitFieldValue parses field=value; a value that parses as a number is sent
// as one so the daemon's numeric dirtiness comparison sees it natively.
func splitFieldValue(s string) (string, any, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			field, raw := s[:i], s[i+1:]
			if field == "" {
				return "", nil, false
			}
			var num float64
			if err := json.Unmarshal([]byte(raw), &num); err == nil {
				return field, num, true
			}
			return field, raw, true
		}
	}
	return "", nil, false
}

func executeCmd(args []string, out io.Writer) error {
	fs := newFlagSet("execute")
	addr := addrFlag(fs)
	action := fs.String("action", "", "action to run")
	milestone := fs.String("milestone", "", "milestone id")
	fields := fs.String("fields", "", "json object of edited fields")
	notes := fs.String("notes", "", "evidence notes for complete")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *action == "" || *milestone == "" {
		return errors.New("action and milestone required")
	}
	payload := map[string]any{}
	if *fields != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(*fields), &parsed); err != nil {
			return fmt.Errorf("parse fields: %w", err)
		}
		payload["fields"] = parsed
	}
	if *notes != "" {
		payload["evidence"] = map[string]any{"notes": *notes}
	}
	body, _ := json.Marshal(map[string]any{
		"action":    *action,
		"entity_id": *milestone,
		"payload":   payload,
	})
	resp, err := call(*addr, http.MethodPost, "/v1/actions/execute", body)
	if err != nil {
		if len(resp) > 0 {
			printJSON(out, resp)
		}
		return err
	}
	printJSON(out, resp)
	return nil
}
