// rio-cli is an interactive diagnostics shell for a running rio-host.
// It talks to the status API, so it works from any machine that can
// reach the host.
//
// Usage:
//
//	rio-cli [-addr http://localhost:8080] [-e "command"]
//
// Commands:
//
//	info              board geometry and server details
//	status            link state and per-joint snapshot
//	pins [substr]     pin dump, optionally filtered by name
//	set <pin> <val>   write a host-side pin (bool or number)
//	estop             drop the link enable
//	watch [seconds]   poll status until interrupted
//
// Examples:
//
//	# One-shot query from a script
//	rio-cli -e "status"
//
//	# Poke a joint command interactively
//	rio-cli
//	rio> set rio.joint.0.pos-cmd 12.5
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell"
)

var (
	addr = flag.String("addr", "http://localhost:8080", "rio-host API address")
	eval = flag.String("e", "", "Evaluate one command and exit")
)

type client struct {
	base string
	http *http.Client
}

func (c *client) get(path string, out interface{}) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) post(path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := c.http.Post(c.base+path, "application/json", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// jointStatus mirrors the API's joint snapshot.
type jointStatus struct {
	Enabled  bool    `json:"enabled"`
	PosCmd   float64 `json:"pos_cmd"`
	VelCmd   float64 `json:"vel_cmd"`
	FreqCmd  float64 `json:"freq_cmd"`
	PosFB    float64 `json:"pos_fb"`
	Counts   int32   `json:"counts"`
	Scale    float64 `json:"scale"`
	MaxVel   float64 `json:"maxvel"`
	MaxAccel float64 `json:"maxaccel"`
}

type hostStatus struct {
	LinkState   string        `json:"link_state"`
	LinkOK      bool          `json:"link_ok"`
	FaultReason string        `json:"fault_reason"`
	Joints      []jointStatus `json:"joints"`
	Setpoints   []float64     `json:"setpoints"`
	ProcessVals []float64     `json:"process_values"`
	Outputs     []bool        `json:"outputs"`
	Inputs      []bool        `json:"inputs"`
}

type pinEntry struct {
	Name  string      `json:"name"`
	Dir   string      `json:"dir"`
	Value interface{} `json:"value"`
}

func printStatus(c *ishell.Context, st hostStatus) {
	link := st.LinkState
	if st.FaultReason != "" {
		link += " (" + st.FaultReason + ")"
	}
	c.Printf("link: %s  ok=%v\n", link, st.LinkOK)
	for i, j := range st.Joints {
		c.Printf("joint %d: en=%v cmd=%.4f fb=%.4f freq=%.1f counts=%d\n",
			i, j.Enabled, j.PosCmd, j.PosFB, j.FreqCmd, j.Counts)
	}
	if len(st.Setpoints) > 0 {
		c.Printf("SP: %v  PV: %v\n", st.Setpoints, st.ProcessVals)
	}
	if len(st.Outputs) > 0 || len(st.Inputs) > 0 {
		c.Printf("out: %s  in: %s\n", bitString(st.Outputs), bitString(st.Inputs))
	}
}

func bitString(bits []bool) string {
	var b strings.Builder
	for _, on := range bits {
		if on {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// parseValue maps a shell argument onto what the pin-set endpoint
// takes: bool for bit pins, number for everything else.
func parseValue(s string) (interface{}, error) {
	switch strings.ToLower(s) {
	case "true", "on", "1":
		if s == "1" {
			// Plain "1" is ambiguous; numbers win so float pins work.
			return 1.0, nil
		}
		return true, nil
	case "false", "off":
		return false, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("value %q is neither bool nor number", s)
	}
	return v, nil
}

func main() {
	flag.Parse()

	api := &client{
		base: strings.TrimRight(*addr, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
	}

	shell := ishell.New()
	shell.SetPrompt("rio> ")
	shell.Println("RIO diagnostics shell. Type 'help' for commands.")

	shell.AddCmd(&ishell.Cmd{
		Name: "info",
		Help: "board geometry and server details",
		Func: func(c *ishell.Context) {
			var info map[string]interface{}
			if err := api.get("/rio/info", &info); err != nil {
				c.Err(err)
				return
			}
			keys := make([]string, 0, len(info))
			for k := range info {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				c.Printf("%-18s %v\n", k, info[k])
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "status",
		Help: "link state and per-joint snapshot",
		Func: func(c *ishell.Context) {
			var st hostStatus
			if err := api.get("/rio/status", &st); err != nil {
				c.Err(err)
				return
			}
			printStatus(c, st)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "pins",
		Help: "pins [substr] - pin dump, optionally filtered",
		Func: func(c *ishell.Context) {
			var dump struct {
				Pins []pinEntry `json:"pins"`
			}
			if err := api.get("/rio/pins", &dump); err != nil {
				c.Err(err)
				return
			}
			filter := ""
			if len(c.Args) > 0 {
				filter = c.Args[0]
			}
			for _, p := range dump.Pins {
				if filter != "" && !strings.Contains(p.Name, filter) {
					continue
				}
				c.Printf("%-32s %-4s %v\n", p.Name, p.Dir, p.Value)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "set",
		Help: "set <pin> <value> - write a host-side pin",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 2 {
				c.Err(fmt.Errorf("usage: set <pin> <value>"))
				return
			}
			value, err := parseValue(c.Args[1])
			if err != nil {
				c.Err(err)
				return
			}
			req := map[string]interface{}{"name": c.Args[0], "value": value}
			if err := api.post("/rio/pins/set", req, nil); err != nil {
				c.Err(err)
				return
			}
			c.Printf("%s = %v\n", c.Args[0], value)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "estop",
		Help: "drop the link enable",
		Func: func(c *ishell.Context) {
			if err := api.post("/rio/estop", nil, nil); err != nil {
				c.Err(err)
				return
			}
			c.Println("e-stop sent")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "watch",
		Help: "watch [seconds] - poll status until interrupted",
		Func: func(c *ishell.Context) {
			interval := time.Second
			if len(c.Args) > 0 {
				secs, err := strconv.ParseFloat(c.Args[0], 64)
				if err != nil || secs <= 0 {
					c.Err(fmt.Errorf("bad interval %q", c.Args[0]))
					return
				}
				interval = time.Duration(secs * float64(time.Second))
			}
			c.Println("watching, ctrl-c to stop")
			for {
				var st hostStatus
				if err := api.get("/rio/status", &st); err != nil {
					c.Err(err)
					return
				}
				printStatus(c, st)
				c.Println("---")
				time.Sleep(interval)
			}
		},
	})

	if *eval != "" {
		if err := shell.Process(strings.Fields(*eval)...); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	shell.Run()
}
