package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/servisor/pkg/client"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func uptime(s client.ServiceStatus) string {
	if s.Phase != "Running" || s.StartedAt.IsZero() {
		return "-"
	}
	return time.Since(s.StartedAt).Round(time.Second).String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printStatuses(w io.Writer, asJSON bool, sts []client.ServiceStatus) error {
	if asJSON {
		if sts == nil {
			sts = []client.ServiceStatus{}
		}
		return printJSON(w, sts)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tPHASE\tPID\tADDRESS\tUPTIME\tBASE\tREGISTERED\tLAST ERROR")
	for _, s := range sts {
		pid := "-"
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
		}
		addr := "-"
		if s.Port > 0 {
			addr = fmt.Sprintf("%s:%d", s.Host, s.Port)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%t\t%s\n",
			s.Name, s.Phase, pid, addr, uptime(s), s.IsBase, s.Registered(), orDash(oneLine(s.LastError)))
	}
	return tw.Flush()
}

func printStatus(w io.Writer, asJSON bool, s client.ServiceStatus) error {
	if asJSON {
		return printJSON(w, s)
	}
	return printStatuses(w, false, []client.ServiceStatus{s})
}

func printResults(w io.Writer, asJSON bool, rs []client.RegistryResult) error {
	if asJSON {
		if rs == nil {
			rs = []client.RegistryResult{}
		}
		return printJSON(w, rs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tID\tRESULT")
	for _, r := range rs {
		result := "ok"
		if r.Error != "" {
			result = oneLine(r.Error)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, orDash(r.ID), result)
	}
	return tw.Flush()
}

func printEntries(w io.Writer, asJSON bool, es []client.Entry) error {
	if asJSON {
		if es == nil {
			es = []client.Entry{}
		}
		return printJSON(w, es)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSERVICE\tADDRESS\tHEALTH\tTAGS")
	for _, e := range es {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s:%d\t%s\t%s\n", e.ID, e.Service, e.Address, e.Port, orDash(e.Health), strings.Join(e.Tags, ","))
	}
	return tw.Flush()
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 120 {
		return s[:117] + "..."
	}
	return s
}
