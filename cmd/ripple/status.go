package main

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/sambigeara/ripple/pkg/config"
	"github.com/spf13/cobra"
)

const probeTimeout = time.Second

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local server configuration and liveness",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	dir, err := rippleDir(cmd)
	if err != nil {
		return err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}

	running := "no"
	if probe(cfg.ClientListenAddr()) {
		running = "yes"
	}

	name := cfg.ServerName
	if name == "" {
		name = "-"
	}

	sections := []statusSection{
		{
			title:   "SERVER",
			headers: []string{"NAME", "RUNNING", "CLIENT", "CLUSTER"},
			rows: [][]string{{
				name, running, cfg.ClientListenAddr(), strconv.Itoa(cfg.ClusterListenPort()),
			}},
		},
	}

	if len(cfg.ClusterPeers) > 0 {
		peers := statusSection{title: "PEERS", headers: []string{"ADDR"}}
		for _, addr := range cfg.ClusterPeers {
			peers.rows = append(peers.rows, []string{addr})
		}
		sections = append(sections, peers)
	}

	renderStatusSections(cmd.OutOrStdout(), sections)
	return nil
}

// probe reports whether the client listener accepts connections.
func probe(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" {
		host = "127.0.0.1"
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), probeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

type statusSection struct {
	title   string
	headers []string
	rows    [][]string
}

const (
	statusRowSection = iota
	statusRowHeader
	statusRowData
	statusRowSpacer
)

func renderStatusSections(w io.Writer, sections []statusSection) {
	maxCols := 0
	for _, sec := range sections {
		if len(sec.headers) > maxCols {
			maxCols = len(sec.headers)
		}
	}
	if maxCols == 0 {
		return
	}

	var rowKinds []int
	padRow := func(src []string) []string {
		row := make([]string, maxCols)
		copy(row, src)
		return row
	}

	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false)

	for i, sec := range sections {
		if i > 0 {
			t.Row(padRow(nil)...)
			rowKinds = append(rowKinds, statusRowSpacer)
		}
		t.Row(padRow([]string{sec.title})...)
		rowKinds = append(rowKinds, statusRowSection)
		t.Row(padRow(sec.headers)...)
		rowKinds = append(rowKinds, statusRowHeader)
		for _, dataRow := range sec.rows {
			t.Row(padRow(dataRow)...)
			rowKinds = append(rowKinds, statusRowData)
		}
	}

	sectionStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("4")).PaddingRight(2)
	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("245")).PaddingRight(2)
	dataStyle := lipgloss.NewStyle().PaddingRight(2)

	t.StyleFunc(func(row, _ int) lipgloss.Style {
		if row < 0 || row >= len(rowKinds) {
			return dataStyle
		}
		switch rowKinds[row] {
		case statusRowSection:
			return sectionStyle
		case statusRowHeader:
			return headerStyle
		default:
			return dataStyle
		}
	})

	fmt.Fprintln(w, strings.TrimRight(t.String(), "\n"))
}
