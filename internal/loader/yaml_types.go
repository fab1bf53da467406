package loader

// yamlFile mirrors the top-level workflow file shape (spec §6).
type yamlFile struct {
	Name           string         `yaml:"name"`
	Description    string         `yaml:"description"`
	Version        string         `yaml:"version"`
	Config         map[string]any `yaml:"config"`
	DefaultState   map[string]any `yaml:"default_state"`
	StateSchema    map[string]any `yaml:"state_schema"`
	Inputs         map[string]any `yaml:"inputs"`
	Steps          []map[string]any `yaml:"steps"`
	SubAgentTasks  map[string]any `yaml:"sub_agent_tasks"`
}
