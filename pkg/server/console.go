package server

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

const consoleHistoryLimit = 20

// RunConsole reads operator commands line by line until quit, EOF or
// shutdown. Commands: list, rooms, history, quit.
func (s *Server) RunConsole(r io.Reader, w io.Writer) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-s.done:
				return
			}
		}
	}()

	for {
		var line string
		var ok bool
		select {
		case line, ok = <-lines:
			if !ok {
				return
			}
		case <-s.done:
			return
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "quit":
			log.Println("Console requested shutdown")
			s.Stop()
			return
		case "history":
			for _, out := range s.sessionHistory() {
				fmt.Fprintln(w, out)
			}
			continue
		}

		reply := make(chan []string, 1)
		if !s.post(event{kind: evConsole, line: line, reply: reply}) {
			return
		}
		select {
		case out := <-reply:
			for _, l := range out {
				fmt.Fprintln(w, l)
			}
		case <-s.done:
			return
		}
	}
}

// consoleCommand runs on the event loop
func (s *Server) consoleCommand(line string) []string {
	switch line {
	case "list":
		records := s.registry.Records()
		if len(records) == 0 {
			return []string{"no clients connected"}
		}
		now := s.clock()
		out := make([]string, 0, len(records))
		for _, rec := range records {
			out = append(out, fmt.Sprintf("%s via %s, connected %s",
				s.registry.Describe(rec), rec.Conn.transport, relativeAge(now.Sub(rec.ConnectedAt))))
		}
		return out
	case "rooms":
		names := s.rooms.Names()
		if len(names) == 0 {
			return []string{"no rooms"}
		}
		out := make([]string, 0, len(names))
		for _, name := range names {
			room, _ := s.rooms.Get(name)
			out = append(out, fmt.Sprintf("%s [%s] members: %s, %d messages",
				room.Name, room.Kind(), strings.Join(room.Members, ", "), len(room.History)))
		}
		return out
	}

	log.Printf("Unknown console command: %q", line)
	return []string{fmt.Sprintf("unknown command %q (list, rooms, history, quit)", line)}
}

// sessionHistory reads the journal off the event loop
func (s *Server) sessionHistory() []string {
	records, err := s.journal.Recent(consoleHistoryLimit)
	if err != nil {
		return []string{fmt.Sprintf("history unavailable: %v", err)}
	}
	if len(records) == 0 {
		return []string{"no sessions recorded"}
	}

	out := make([]string, 0, len(records))
	for _, rec := range records {
		line := fmt.Sprintf("%s  %s@%s (%s)", rec.ConnectedAt.Format(time.DateTime), rec.DisplayName, rec.RemoteAddr, rec.Transport)
		if rec.DisconnectedAt != nil {
			line += fmt.Sprintf(" left %s: %s", rec.DisconnectedAt.Format(time.DateTime), rec.Reason)
		} else {
			line += " online"
		}
		out = append(out, line)
	}
	return out
}
