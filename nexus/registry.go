package nexus

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	// ParamKindCore marks parameters registered by the bot itself,
	// rather than by a plugin.
	ParamKindCore = "core"

	// boolParamSuffix is stripped from a parameter name to derive its
	// command alias when none is given ("nsfw_enabled" -> "nsfw").
	boolParamSuffix = "_enabled"
)

// truthyStrings are the string values accepted as 'true' when coercing
// a value for a boolean parameter. Anything else is false.
var truthyStrings = []string{"true", "yes", "1", "on", "enable"}

// PluginParamKind returns the parameter kind tag for the given plugin ID.
func PluginParamKind(pluginID string) string {
	return "plugin:" + pluginID
}

// ParamDescriptor describes one configurable per-chat setting.
//
// The runtime type of Default is the single source of truth when
// validating updates to the parameter: a bool default makes the
// parameter boolean, an int default makes it an integer, and so on.
type ParamDescriptor struct {
	// Name is the unique key stored verbatim in the persisted
	// configuration document.
	Name string `json:"name"`

	// Kind is "core" or "plugin:<plugin-id>". Provenance only; it
	// affects display grouping, never validation.
	Kind string `json:"kind"`

	// Default is the value a chat gets before anyone changes the
	// parameter.
	Default any `json:"default"`

	// Description is user-facing help text.
	Description string `json:"description"`

	// DisplayName is the user-facing name shown in settings listings.
	DisplayName string `json:"display_name"`

	// CommandAlias is the token users type to refer to this parameter
	// in the settings command. Matched case-insensitively.
	CommandAlias string `json:"command_alias"`

	// Hidden excludes the parameter from settings listings. It can
	// still be read and written by name or alias.
	Hidden bool `json:"hidden"`
}

// IsBool reports whether the parameter holds a boolean value.
func (p ParamDescriptor) IsBool() bool {
	_, ok := p.Default.(bool)
	return ok
}

// ParamRegistry is the process-wide catalog of configuration parameters.
// It is constructed once in [New] and handed to plugins through the
// [Nexus] handle, so registration order is explicit: core parameters
// first, then each plugin during [Nexus.RegisterPlugin].
//
// Registration is last-writer-wins for both the name and alias maps.
// [ParamRegistry.Register] reports overwrites so startup code can log
// unexpected collisions; it never rejects them, since overriding a
// previously-registered default is relied upon.
type ParamRegistry struct {
	mu      sync.RWMutex
	params  map[string]ParamDescriptor
	aliases map[string]string
}

func NewParamRegistry() *ParamRegistry {
	return &ParamRegistry{
		params:  map[string]ParamDescriptor{},
		aliases: map[string]string{},
	}
}

// Register adds or overwrites a parameter descriptor. If the descriptor
// has no command alias, one is derived from the name by stripping a
// trailing "_enabled". The returned bool indicates whether an existing
// name or alias was overwritten.
func (r *ParamRegistry) Register(p ParamDescriptor) (overwrote bool) {
	if p.CommandAlias == "" {
		p.CommandAlias = strings.TrimSuffix(p.Name, boolParamSuffix)
	}
	aliasKey := strings.ToLower(p.CommandAlias)

	r.mu.Lock()
	defer r.mu.Unlock()

	_, hadParam := r.params[p.Name]
	mappedName, hadAlias := r.aliases[aliasKey]

	r.params[p.Name] = p
	r.aliases[aliasKey] = p.Name

	return hadParam || (hadAlias && mappedName != p.Name)
}

// Get returns the descriptor registered under the given parameter name.
func (r *ParamRegistry) Get(name string) (ParamDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.params[name]
	return p, ok
}

// ResolveAlias looks up a parameter name by its command alias,
// case-insensitively.
func (r *ParamRegistry) ResolveAlias(alias string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.aliases[strings.ToLower(alias)]
	return name, ok
}

// Resolve treats key as a command alias first, falling back to a literal
// parameter name, and returns the matching descriptor.
func (r *ParamRegistry) Resolve(key string) (ParamDescriptor, bool) {
	if name, ok := r.ResolveAlias(key); ok {
		return r.Get(name)
	}
	return r.Get(key)
}

// Len returns the number of registered parameters.
func (r *ParamRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.params)
}

// Params returns all registered descriptors, core parameters first, then
// plugin parameters grouped by kind, each group sorted by name. This is
// the display order for settings listings and help text.
func (r *ParamRegistry) Params() []ParamDescriptor {
	r.mu.RLock()
	descriptors := make([]ParamDescriptor, 0, len(r.params))
	for _, p := range r.params {
		descriptors = append(descriptors, p)
	}
	r.mu.RUnlock()

	sort.Slice(
		descriptors, func(i, j int) bool {
			a, b := descriptors[i], descriptors[j]
			aCore := a.Kind == ParamKindCore
			bCore := b.Kind == ParamKindCore
			if aCore != bCore {
				return aCore
			}
			if a.Kind != b.Kind {
				return a.Kind < b.Kind
			}
			return a.Name < b.Name
		},
	)
	return descriptors
}

// Defaults returns a fresh name -> default value mapping covering every
// registered parameter.
func (r *ParamRegistry) Defaults() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defaults := make(map[string]any, len(r.params))
	for name, p := range r.params {
		defaults[name] = p.Default
	}
	return defaults
}

// ValidateAndCoerce coerces raw to the runtime type of the registered
// default for the named parameter.
//
// Validation failures are reported as ok=false, never as errors: for an
// unknown parameter the returned value is nil, and for a failed numeric
// parse it is the registered default. Callers decide whether to apply
// the fallback or drop the update.
func (r *ParamRegistry) ValidateAndCoerce(name string, raw any) (any, bool) {
	p, ok := r.Get(name)
	if !ok {
		return nil, false
	}

	switch def := p.Default.(type) {
	case bool:
		if s, isString := raw.(string); isString {
			return stringTruthy(s), true
		}
		return truthy(raw), true
	case int:
		v, convOK := coerceInt(raw)
		if !convOK {
			return def, false
		}
		return int(v), true
	case int64:
		v, convOK := coerceInt(raw)
		if !convOK {
			return def, false
		}
		return v, true
	case float64:
		v, convOK := coerceFloat(raw)
		if !convOK {
			return def, false
		}
		return v, true
	case float32:
		v, convOK := coerceFloat(raw)
		if !convOK {
			return float32(def), false
		}
		return float32(v), true
	case string:
		if s, isString := raw.(string); isString {
			return s, true
		}
		return fmt.Sprint(raw), true
	default:
		// structured defaults (maps etc.) are accepted unmodified
		return raw, true
	}
}

// stringTruthy matches the exact string, case-insensitively: padded
// values like " true " are falsy.
func stringTruthy(s string) bool {
	s = strings.ToLower(s)
	for _, t := range truthyStrings {
		if s == t {
			return true
		}
	}
	return false
}

// truthy is the generic boolean cast applied to non-string values being
// assigned to a boolean parameter: zero values are false, everything
// else is true.
func truthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.String:
		return rv.Len() > 0
	default:
		return !rv.IsZero()
	}
}

func coerceInt(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float32:
		return int64(v), true
	case float64:
		return int64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func coerceFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
