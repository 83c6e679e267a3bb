// Package lifecycle covers agent death and rebirth: fenix-down dumps,
// cold-start briefings, stand-down, retirement, and crew spawning.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ai-janitor/minion-factory/internal/comms"
	"github.com/ai-janitor/minion-factory/internal/config"
	"github.com/ai-janitor/minion-factory/internal/db"
	"github.com/ai-janitor/minion-factory/internal/filesafety"
	"github.com/ai-janitor/minion-factory/internal/model"
)

type Service struct {
	store  *db.Store
	cfg    config.Config
	comms  *comms.Service
	claims *filesafety.Service
}

func New(store *db.Store, cfg config.Config, messaging *comms.Service, claims *filesafety.Service) *Service {
	return &Service{store: store, cfg: cfg, comms: messaging, claims: claims}
}

// FenixDown records a pre-crash manifest, releases the agent's claims,
// and hands the manifest to the lead through the gate-bypassing send.
// Nothing here may refuse a dying agent.
func (s *Service) FenixDown(ctx context.Context, agent string, agentClass model.Class, manifest string, files []string, now time.Time) (model.FenixRecord, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	rec := model.FenixRecord{
		ID:        uuid.NewString(),
		Agent:     agent,
		Files:     files,
		Manifest:  manifest,
		CreatedAt: now,
	}
	if err := s.store.RecordFenix(ctx, rec); err != nil {
		return model.FenixRecord{}, err
	}
	if _, err := s.claims.ReleaseAll(ctx, agent, now); err != nil {
		return rec, fmt.Errorf("release claims: %w", err)
	}
	lead, err := s.store.CurrentLead(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return rec, nil
	}
	if err != nil {
		return rec, err
	}
	if lead.Name != agent {
		body := fmt.Sprintf("fenix_down from %s\n\nfiles in flight: %s\n\n%s",
			agent, strings.Join(files, ", "), manifest)
		if _, err := s.comms.Send(ctx, agent, agentClass, lead.Name, body, now); err != nil {
			return rec, fmt.Errorf("notify lead: %w", err)
		}
	}
	return rec, nil
}

// Briefing is everything a restarted agent needs to resume: its own
// roster row, the active plan, pending fenix manifests from its previous
// life, its open assignments, unread mail count, and live flags.
type Briefing struct {
	Agent    model.Agent
	Plan     *model.Plan
	Fenix    []model.FenixRecord
	Tasks    []model.Task
	Unread   int
	Flags    []model.Flag
	Consumed int64
}

// ColdStart assembles the recovery briefing and marks the fenix records
// consumed so the next cold start is not haunted by them.
func (s *Service) ColdStart(ctx context.Context, name string, now time.Time) (Briefing, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	agent, err := s.store.GetAgent(ctx, name)
	if err != nil {
		return Briefing{}, err
	}
	briefing := Briefing{Agent: agent}

	if plan, err := s.store.ActivePlan(ctx, s.cfg.Project); err == nil {
		briefing.Plan = &plan
	} else if !errors.Is(err, db.ErrNotFound) {
		return Briefing{}, err
	}

	briefing.Fenix, err = s.store.PendingFenix(ctx, name)
	if err != nil {
		return Briefing{}, err
	}
	briefing.Tasks, err = s.store.ListTasks(ctx, db.TaskFilter{AssignedTo: name})
	if err != nil {
		return Briefing{}, err
	}
	briefing.Unread, err = s.store.UnreadCount(ctx, name)
	if err != nil {
		return Briefing{}, err
	}
	briefing.Flags, err = s.store.ListFlags(ctx)
	if err != nil {
		return Briefing{}, err
	}
	briefing.Consumed, err = s.store.ConsumeFenix(ctx, name, now)
	if err != nil {
		return Briefing{}, err
	}
	if err := s.store.TouchLastSeen(ctx, name, now); err != nil {
		return Briefing{}, err
	}
	return briefing, nil
}

// StandDown sets the shutdown flag and queues a retire for every
// daemon-transport agent. Daemons observe both at their next poll
// boundary and exit.
func (s *Service) StandDown(ctx context.Context, by string, now time.Time) (int, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if err := s.store.SetFlag(ctx, model.FlagStandDown, "", by, now); err != nil {
		return 0, err
	}
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return 0, err
	}
	retired := 0
	for _, agent := range agents {
		if agent.Transport != model.TransportDaemon {
			continue
		}
		if err := s.store.RequestRetire(ctx, agent.Name, by, now); err != nil {
			return retired, err
		}
		retired++
	}
	return retired, nil
}

// Retire queues a graceful exit for one daemon.
func (s *Service) Retire(ctx context.Context, agent, by string, now time.Time) error {
	if _, err := s.store.GetAgent(ctx, agent); err != nil {
		return err
	}
	return s.store.RequestRetire(ctx, agent, by, now)
}

// HandOffZone moves zone ownership between agents and clears it on the
// giver.
func (s *Service) HandOffZone(ctx context.Context, from, to, zone, role string, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if err := s.store.SetZone(ctx, to, zone, role, now); err != nil {
		return err
	}
	giver, err := s.store.GetAgent(ctx, from)
	if err != nil {
		return err
	}
	if giver.CurrentZone == zone {
		if err := s.store.SetZone(ctx, from, "", "", now); err != nil {
			return err
		}
	}
	return nil
}

// CrewMember is one row of a crew definition file.
type CrewMember struct {
	Name  string      `yaml:"name"`
	Class model.Class `yaml:"class"`
	Model string      `yaml:"model"`
}

type Crew struct {
	Name    string       `yaml:"name"`
	Members []CrewMember `yaml:"members"`
}

// LoadCrews reads the crew definitions under the docs dir.
func (s *Service) LoadCrews() ([]Crew, error) {
	dir := filepath.Join(s.cfg.DocsDir, "crews")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read crews dir: %w", err)
	}
	var crews []Crew
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read crew %s: %w", entry.Name(), err)
		}
		var crew Crew
		if err := yaml.Unmarshal(data, &crew); err != nil {
			return nil, fmt.Errorf("parse crew %s: %w", entry.Name(), err)
		}
		if crew.Name == "" {
			crew.Name = strings.TrimSuffix(entry.Name(), ".yaml")
		}
		for _, m := range crew.Members {
			if !m.Class.Valid() {
				return nil, fmt.Errorf("crew %s: member %s: unknown class %q", crew.Name, m.Name, m.Class)
			}
		}
		crews = append(crews, crew)
	}
	return crews, nil
}

// SpawnParty registers the caller as lead and starts one daemon per crew
// member. Daemons are detached; the kernel tracks them through the
// datastore, not process handles.
func (s *Service) SpawnParty(ctx context.Context, leadName, crewName string, now time.Time) ([]CrewMember, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	crews, err := s.LoadCrews()
	if err != nil {
		return nil, err
	}
	var crew *Crew
	for i := range crews {
		if crews[i].Name == crewName {
			crew = &crews[i]
			break
		}
	}
	if crew == nil {
		return nil, fmt.Errorf("crew %q: not defined", crewName)
	}
	if err := s.store.RegisterAgent(ctx, model.Agent{
		Name: leadName, Class: model.ClassLead, Transport: model.TransportTerminal, RegisteredAt: now,
	}); err != nil {
		return nil, err
	}
	for _, member := range crew.Members {
		if err := s.Recruit(ctx, member, now); err != nil {
			return nil, err
		}
	}
	return crew.Members, nil
}

// Recruit registers and starts a single daemon worker.
func (s *Service) Recruit(ctx context.Context, member CrewMember, now time.Time) error {
	if err := s.store.RegisterAgent(ctx, model.Agent{
		Name:         member.Name,
		Class:        member.Class,
		Model:        member.Model,
		Transport:    model.TransportDaemon,
		RegisteredAt: now,
	}); err != nil {
		return err
	}
	return s.startDaemon(member)
}

func (s *Service) startDaemon(member CrewMember) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	daemonBin := filepath.Join(filepath.Dir(exe), "miniond")
	cmd := exec.Command(daemonBin, "--agent", member.Name, "--class", string(member.Class))
	cmd.Env = append(os.Environ(),
		config.EnvClass+"="+string(member.Class),
		config.EnvProject+"="+s.cfg.Project,
		config.EnvDBPath+"="+s.cfg.DBPath,
	)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon for %s: %w", member.Name, err)
	}
	// Reap without waiting; the daemon outlives this process.
	go cmd.Wait() //nolint:errcheck
	return nil
}
