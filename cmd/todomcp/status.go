package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/todomcp/internal/config"
	"go.klb.dev/todomcp/internal/crdtdoc"
	"go.klb.dev/todomcp/internal/model"
	"go.klb.dev/todomcp/internal/protocol"
	"go.klb.dev/todomcp/internal/streamcodec"
	"go.klb.dev/todomcp/internal/tlsconf"
)

func newStatusCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe a local replica over its named socket",
		Long: `Dials this host's named socket directly (the same transport peer
replicas use), requests a full state snapshot, and prints every list and
its item counts.

Flags, environment variables, and config-file keys
  --data-dir    TODOMCP_DATA_DIR    data-dir
  --json        TODOMCP_JSON        json

Config file (--config names one directly; otherwise first found wins)
  /etc/todomcp/todomcp.toml
  $HOME/.config/todomcp/todomcp.toml`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return config.Bind(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runStatus(v) },
	}

	f := cmd.Flags()
	f.String("data-dir", config.DefaultDataDir(), "directory holding the identity key and named sockets")
	f.Bool("json", false, "print the raw decoded state as JSON")
	config.AddFlag(cmd)

	return cmd
}

func runStatus(v *viper.Viper) error {
	dataDir := v.GetString("data-dir")

	identity, _, err := tlsconf.LoadOrCreate(filepath.Join(dataDir, "identity.key"))
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	probeSiteID := identity.SiteID() ^ 0x1 // a throwaway id, distinct from this host's own replica id

	sockDir := filepath.Join(dataDir, "ipc")
	entries, err := os.ReadDir(sockDir)
	if err != nil {
		return fmt.Errorf("no running replica found at %s: %w", sockDir, err)
	}

	var lastErr error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".sock") {
			continue
		}
		targetID64, err := strconv.ParseUint(strings.TrimSuffix(name, ".sock"), 10, 32)
		if err != nil {
			continue
		}
		targetID := uint32(targetID64)

		path := filepath.Join(sockDir, name)
		conn, err := net.DialTimeout("unix", path, 2*time.Second)
		if err != nil {
			lastErr = err
			continue
		}
		state, err := probe(conn, probeSiteID, targetID)
		conn.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if v.GetBool("json") {
			enc, _ := json.MarshalIndent(state, "", "  ")
			fmt.Println(string(enc))
			return nil
		}

		fmt.Printf("Replica: %08x\n\n", targetID)
		w := tabwriter.NewWriter(os.Stdout, 1, 0, 2, ' ', 0)
		fmt.Fprintln(w, "LIST\tITEMS\tDONE")
		for _, l := range state.Lists {
			done := 0
			for _, it := range l.Items {
				if it.Completed {
					done++
				}
			}
			fmt.Fprintf(w, "%s\t%d\t%d\n", l.Title, len(l.Items), done)
		}
		return w.Flush()
	}
	return fmt.Errorf("no reachable named socket in %s: %w", sockDir, lastErr)
}

// probe performs the named-socket handshake (identifying ourselves with a
// throwaway site_id; we're a one-shot client, not a joining peer), asks
// target for a full state snapshot, and decodes the reply.
func probe(conn net.Conn, localSiteID, target uint32) (model.TodoState, error) {
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	var hdr [4]byte
	putUint32(hdr[:], localSiteID)
	if _, err := conn.Write(hdr[:]); err != nil {
		return model.TodoState{}, fmt.Errorf("handshake write: %w", err)
	}

	sc := streamcodec.New(conn)
	if err := sc.WriteFrame(protocol.Encode(protocol.RequestState(target))); err != nil {
		return model.TodoState{}, fmt.Errorf("request state: %w", err)
	}
	body, err := sc.ReadFrame()
	if err != nil {
		return model.TodoState{}, fmt.Errorf("read state: %w", err)
	}
	msg, err := protocol.Decode(body)
	if err != nil {
		return model.TodoState{}, fmt.Errorf("decode state: %w", err)
	}
	if msg.Kind != protocol.KindState {
		return model.TodoState{}, fmt.Errorf("unexpected reply kind %s", msg.Kind)
	}

	doc, err := crdtdoc.Load(msg.Bytes)
	if err != nil {
		return model.TodoState{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return doc.Hydrate()
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
