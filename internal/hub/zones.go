package hub

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultZone is where unmapped tools show up in the observer UI.
const DefaultZone = "village_square"

// ZoneTable maps tool names to the logical zone their activity is rendered
// in. Lookups are total: unknown tools fall back to the default zone.
type ZoneTable struct {
	byTool   map[string]string
	fallback string
}

// ZoneFor returns the zone for a tool name. Never fails.
func (t *ZoneTable) ZoneFor(tool string) string {
	if t == nil {
		return DefaultZone
	}
	if zone, ok := t.byTool[strings.TrimSpace(tool)]; ok {
		return zone
	}
	return t.fallback
}

// Zones lists the distinct zone names in the table, fallback included.
func (t *ZoneTable) Zones() []string {
	if t == nil {
		return []string{DefaultZone}
	}
	seen := map[string]struct{}{t.fallback: {}}
	out := []string{t.fallback}
	for _, zone := range t.byTool {
		if _, ok := seen[zone]; ok {
			continue
		}
		seen[zone] = struct{}{}
		out = append(out, zone)
	}
	return out
}

type zoneFile struct {
	DefaultZone string              `yaml:"default_zone"`
	Zones       map[string][]string `yaml:"zones"`
}

// LoadZoneTable reads a zone table from a YAML file of the shape:
//
//	default_zone: village_square
//	zones:
//	  dj_booth: [music_generate, music_play]
//	  file_shed: [fs_read_file]
func LoadZoneTable(path string) (*ZoneTable, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f zoneFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("invalid zone table: %w", err)
	}
	if len(f.Zones) == 0 {
		return nil, errors.New("zone table has no zones")
	}
	fallback := strings.TrimSpace(f.DefaultZone)
	if fallback == "" {
		fallback = DefaultZone
	}
	byTool := make(map[string]string)
	for zone, tools := range f.Zones {
		zone = strings.TrimSpace(zone)
		if zone == "" {
			continue
		}
		for _, tool := range tools {
			tool = strings.TrimSpace(tool)
			if tool == "" {
				continue
			}
			byTool[tool] = zone
		}
	}
	return &ZoneTable{byTool: byTool, fallback: fallback}, nil
}

// DefaultZoneTable returns the built-in tool placement.
func DefaultZoneTable() *ZoneTable {
	byTool := make(map[string]string, 96)
	add := func(zone string, tools ...string) {
		for _, tool := range tools {
			byTool[tool] = zone
		}
	}

	// DJ booth: music generation, the prompt compiler and the audio editor.
	add("dj_booth",
		"music_generate", "music_status", "music_result", "music_list",
		"music_favorite", "music_library", "music_search", "music_play",
		"midi_create", "music_compose",
		"suno_prompt_build", "suno_prompt_preset_save", "suno_prompt_preset_load", "suno_prompt_preset_list",
		"audio_info", "audio_trim", "audio_fade", "audio_normalize",
		"audio_loop", "audio_concat", "audio_speed", "audio_reverse",
		"audio_list_files", "audio_get_waveform",
	)

	// Memory garden: vector store, agent memory and dataset access.
	add("memory_garden",
		"vector_add", "vector_search", "vector_delete", "vector_list_collections",
		"vector_get_stats", "vector_add_knowledge", "vector_search_knowledge",
		"memory_store", "memory_retrieve", "memory_search", "memory_delete", "memory_list",
		"memory_health_stale", "memory_health_low_access", "memory_health_duplicates",
		"memory_consolidate", "memory_health_summary",
		"dataset_list", "dataset_query",
	)

	// File shed: filesystem tools.
	add("file_shed",
		"fs_read_file", "fs_write_file", "fs_list_files", "fs_mkdir",
		"fs_delete", "fs_exists", "fs_get_info", "fs_read_lines", "fs_edit",
	)

	// Workshop: code execution.
	add("workshop", "execute_python")

	// Bridge portal: agent orchestration and village discourse.
	add("bridge_portal",
		"agent_spawn", "agent_status", "agent_result", "agent_list",
		"socratic_council",
		"village_post", "village_search", "village_get_thread", "village_list_agents",
		"summon_ancestor", "introduction_ritual", "village_detect_convergence", "village_get_stats",
	)

	return &ZoneTable{byTool: byTool, fallback: DefaultZone}
}
