package vtable

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/douglance/dbg-sub001/internal/errs"
	"github.com/douglance/dbg-sub001/internal/filterengine"
	"github.com/douglance/dbg-sub001/internal/types"
)

// registerProtocolTables adds the on-demand tables: those that issue a
// live request through executor.Send rather than reading cached state
// (spec §4.5). Several require a specific filter column so the fetch has
// enough to build the request payload.
func registerProtocolTables(r *Registry) {
	r.Register(&Table{
		Name:    "source",
		Columns: []string{"line", "text"},
		Fetch:   fetchSource,
	})
	r.Register(&Table{
		Name:            "props",
		Columns:         []string{"name", "value", "type"},
		RequiredFilters: []string{"object_id"},
		Protocols:       []types.Protocol{types.ProtoBWP},
		Fetch:           fetchProps,
	})
	r.Register(&Table{
		Name:            "proto",
		Columns:         []string{"name", "value", "type"},
		RequiredFilters: []string{"object_id"},
		Protocols:       []types.Protocol{types.ProtoBWP},
		Fetch:           fetchProto,
	})
	r.Register(&Table{
		Name:            "this",
		Columns:         []string{"value", "type"},
		RequiredFilters: []string{"frame_id"},
		Protocols:       []types.Protocol{types.ProtoBWP},
		Fetch:           fetchThis,
	})
	r.Register(&Table{
		Name:            "vars",
		Columns:         []string{"name", "value", "type"},
		RequiredFilters: []string{"frame_id"},
		Protocols:       []types.Protocol{types.ProtoNDAP},
		Fetch:           fetchVars,
	})
	r.Register(&Table{
		Name:      "dom",
		Columns:   []string{"node_id", "tag", "attributes"},
		Protocols: []types.Protocol{types.ProtoBWP},
		Fetch:     fetchDOM,
	})
	r.Register(&Table{
		Name:            "styles",
		Columns:         []string{"property", "value", "origin"},
		RequiredFilters: []string{"node_id"},
		Protocols:       []types.Protocol{types.ProtoBWP},
		Fetch:           fetchStyles,
	})
	r.Register(&Table{
		Name:            "storage",
		Columns:         []string{"key", "value"},
		RequiredFilters: []string{"kind"},
		Protocols:       []types.Protocol{types.ProtoBWP},
		Fetch:           fetchStorage,
	})
	r.Register(&Table{
		Name:      "coverage",
		Columns:   []string{"script_id", "start", "end", "count"},
		Protocols: []types.Protocol{types.ProtoBWP},
		Fetch:     fetchCoverage,
	})
	r.Register(&Table{
		Name:      "performance",
		Columns:   []string{"metric", "value"},
		Protocols: []types.Protocol{types.ProtoBWP},
		Fetch:     fetchPerformance,
	})
	r.Register(&Table{
		Name:            "memory",
		Columns:         []string{"address", "offset", "hex", "ascii"},
		RequiredFilters: []string{"address", "length"},
		Protocols:       []types.Protocol{types.ProtoNDAP},
		Fetch:           fetchMemory,
	})
	r.Register(&Table{
		Name:            "disassembly",
		Columns:         []string{"address", "instruction", "bytes"},
		RequiredFilters: []string{"address"},
		Protocols:       []types.Protocol{types.ProtoNDAP},
		Fetch:           fetchDisassembly,
	})
	r.Register(&Table{
		Name:      "signals",
		Columns:   []string{"name", "action"},
		Protocols: []types.Protocol{types.ProtoNDAP},
		Fetch:     fetchSignals,
	})
	r.Register(&Table{
		Name:      "watchpoints",
		Columns:   []string{"id", "address", "length", "kind", "enabled"},
		Protocols: []types.Protocol{types.ProtoNDAP},
		Fetch:     fetchWatchpoints,
	})
}

func fetchSource(ctx context.Context, where *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"line", "text"}
	scriptID, ok := EqFilter(where, "script_id")
	if !ok {
		resolved, found := resolveScriptIDByFile(where, ex)
		if !found {
			return cols, nil, errs.New(errs.CodeRequiredFilter, "source requires file= or script_id=")
		}
		scriptID = types.Literal{IsString: true, Str: resolved}
	}
	raw, err := ex.Send(ctx, "source", map[string]string{"scriptId": StringLiteral(scriptID)}, 0)
	if err != nil {
		return cols, nil, nil // best-effort: a stale/resumed script yields zero rows, not an error
	}
	var payload struct {
		Lines []string `json:"lines"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return cols, nil, errs.Wrap(errs.CodeNDAPDecode, err, "decoding source response")
	}
	rows := make([]Row, 0, len(payload.Lines))
	for i, text := range payload.Lines {
		rows = append(rows, Row{"line": i + 1, "text": text})
	}
	return cols, rows, nil
}

// resolveScriptIDByFile resolves `file=` or `file LIKE` against the
// session's known scripts, used when `source` is queried without an
// explicit script_id= (spec §4.5: "source requires file= or script_id=;
// when both forms match, script_id wins"). LIKE patterns are translated
// with filterengine.LikeToRegexp so a pattern containing regex
// metacharacters still matches only literally.
func resolveScriptIDByFile(where *types.Expr, ex types.Executor) (string, bool) {
	op, lit, ok := ColumnComparison(where, "file")
	if !ok {
		return "", false
	}
	state := ex.GetState()
	if state == nil {
		return "", false
	}
	switch op {
	case types.OpEq:
		target := StringLiteral(lit)
		for id, script := range state.Scripts {
			if script.File == target {
				return id, true
			}
		}
	case types.OpLike:
		re, err := filterengine.LikeToRegexp(StringLiteral(lit))
		if err != nil {
			return "", false
		}
		for id, script := range state.Scripts {
			if re.MatchString(script.File) {
				return id, true
			}
		}
	}
	return "", false
}

func fetchProps(ctx context.Context, where *types.Expr, ex types.Executor) ([]string, []Row, error) {
	return fetchObjectMembers(ctx, where, ex, "object_id", "getProperties")
}

func fetchObjectMembers(ctx context.Context, where *types.Expr, ex types.Executor, filterCol, method string) ([]string, []Row, error) {
	cols := []string{"name", "value", "type"}
	objID, ok := EqFilter(where, filterCol)
	if !ok {
		return cols, nil, errs.New(errs.CodeRequiredFilter, "requires %s=", filterCol)
	}
	raw, err := ex.Send(ctx, method, map[string]interface{}{
		"objectId":      StringLiteral(objID),
		"ownProperties": true,
	}, 0)
	if err != nil {
		return cols, nil, nil // best-effort: a stale/GC'd object yields zero rows, not an error
	}
	var payload struct {
		Result []struct {
			Name  string `json:"name"`
			Value struct {
				Value       json.RawMessage `json:"value"`
				Type        string          `json:"type"`
				Description string          `json:"description"`
			} `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return cols, nil, errs.Wrap(errs.CodeNDAPDecode, err, "decoding %s response", method)
	}
	rows := make([]Row, 0, len(payload.Result))
	for _, p := range payload.Result {
		val := p.Value.Description
		if val == "" {
			val = string(p.Value.Value)
		}
		rows = append(rows, Row{"name": p.Name, "value": val, "type": p.Value.Type})
	}
	return cols, rows, nil
}

// maxProtoDepth bounds fetchProto's prototype-chain walk to prevent an
// accidental cycle (e.g. a proxy object) from looping forever (spec §4.5).
const maxProtoDepth = 20

// fetchProto walks the object's prototype chain, one getProperties call
// per link, accumulating each link's own properties and following
// `[[Prototype]]`'s internal-property objectId to the next link. Stops at
// maxProtoDepth or when a link has no prototype or repeats one already
// seen.
func fetchProto(ctx context.Context, where *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"name", "value", "type"}
	objID, ok := EqFilter(where, "object_id")
	if !ok {
		return cols, nil, errs.New(errs.CodeRequiredFilter, "requires object_id=")
	}

	var rows []Row
	currentID := StringLiteral(objID)
	seen := map[string]bool{currentID: true}

	for depth := 0; depth < maxProtoDepth; depth++ {
		raw, err := ex.Send(ctx, "getProperties", map[string]interface{}{
			"objectId":      currentID,
			"ownProperties": true,
		}, 0)
		if err != nil {
			return cols, rows, nil // best-effort: a stale/GC'd object stops the walk, not an error
		}
		var payload struct {
			Result []struct {
				Name  string `json:"name"`
				Value struct {
					Value       json.RawMessage `json:"value"`
					Type        string          `json:"type"`
					Description string          `json:"description"`
				} `json:"value"`
			} `json:"result"`
			InternalProperties []struct {
				Name  string `json:"name"`
				Value struct {
					ObjectID string `json:"objectId"`
				} `json:"value"`
			} `json:"internalProperties"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return cols, nil, errs.Wrap(errs.CodeNDAPDecode, err, "decoding getProperties response")
		}
		for _, p := range payload.Result {
			val := p.Value.Description
			if val == "" {
				val = string(p.Value.Value)
			}
			rows = append(rows, Row{"name": p.Name, "value": val, "type": p.Value.Type})
		}

		var nextID string
		for _, ip := range payload.InternalProperties {
			if ip.Name == "[[Prototype]]" && ip.Value.ObjectID != "" {
				nextID = ip.Value.ObjectID
			}
		}
		if nextID == "" || seen[nextID] {
			break
		}
		seen[nextID] = true
		currentID = nextID
	}
	return cols, rows, nil
}

func fetchThis(ctx context.Context, where *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"value", "type"}
	frameID, ok := EqFilter(where, "frame_id")
	if !ok {
		return cols, nil, errs.New(errs.CodeRequiredFilter, "this requires frame_id=")
	}
	raw, err := ex.Send(ctx, "evaluateOnCallFrame", map[string]interface{}{
		"callFrameId": StringLiteral(frameID),
		"expression":  "this",
	}, 0)
	if err != nil {
		return cols, nil, nil // best-effort: a stale call frame yields zero rows, not an error
	}
	var payload struct {
		Result struct {
			Description string `json:"description"`
			Type        string `json:"type"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return cols, nil, errs.Wrap(errs.CodeNDAPDecode, err, "decoding this response")
	}
	return cols, []Row{{"value": payload.Result.Description, "type": payload.Result.Type}}, nil
}

func fetchVars(ctx context.Context, where *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"name", "value", "type"}
	frameID, ok := EqFilter(where, "frame_id")
	if !ok {
		return cols, nil, errs.New(errs.CodeRequiredFilter, "vars requires frame_id=")
	}
	raw, err := ex.Send(ctx, "variables", map[string]interface{}{"frameId": StringLiteral(frameID)}, 0)
	if err != nil {
		return cols, nil, nil // best-effort: a stale frame yields zero rows, not an error
	}
	var payload struct {
		Variables []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
			Type  string `json:"type"`
		} `json:"variables"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return cols, nil, errs.Wrap(errs.CodeNDAPDecode, err, "decoding variables response")
	}
	rows := make([]Row, 0, len(payload.Variables))
	for _, v := range payload.Variables {
		rows = append(rows, Row{"name": v.Name, "value": v.Value, "type": v.Type})
	}
	return cols, rows, nil
}

func fetchDOM(ctx context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"node_id", "tag", "attributes"}
	raw, err := ex.Send(ctx, "getDocumentFlat", nil, 0)
	if err != nil {
		return cols, nil, err
	}
	var payload struct {
		Nodes []struct {
			NodeID     int      `json:"nodeId"`
			LocalName  string   `json:"localName"`
			Attributes []string `json:"attributes"`
		} `json:"nodes"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return cols, nil, errs.Wrap(errs.CodeNDAPDecode, err, "decoding dom response")
	}
	rows := make([]Row, 0, len(payload.Nodes))
	for _, n := range payload.Nodes {
		attrs, _ := json.Marshal(n.Attributes)
		rows = append(rows, Row{"node_id": n.NodeID, "tag": n.LocalName, "attributes": string(attrs)})
	}
	return cols, rows, nil
}

func fetchStyles(ctx context.Context, where *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"property", "value", "origin"}
	nodeID, ok := EqFilter(where, "node_id")
	if !ok {
		return cols, nil, errs.New(errs.CodeRequiredFilter, "styles requires node_id=")
	}
	raw, err := ex.Send(ctx, "getComputedStyleForNode", map[string]interface{}{"nodeId": StringLiteral(nodeID)}, 0)
	if err != nil {
		return cols, nil, err
	}
	var payload struct {
		ComputedStyle []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"computedStyle"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return cols, nil, errs.Wrap(errs.CodeNDAPDecode, err, "decoding styles response")
	}
	rows := make([]Row, 0, len(payload.ComputedStyle))
	for _, s := range payload.ComputedStyle {
		rows = append(rows, Row{"property": s.Name, "value": s.Value, "origin": "computed"})
	}
	return cols, rows, nil
}

func fetchStorage(ctx context.Context, where *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"key", "value"}
	kind, ok := EqFilter(where, "kind")
	if !ok {
		return cols, nil, errs.New(errs.CodeRequiredFilter, "storage requires kind=")
	}
	raw, err := ex.Send(ctx, "getStorageItems", map[string]interface{}{"kind": StringLiteral(kind)}, 0)
	if err != nil {
		return cols, nil, err
	}
	var payload struct {
		Entries [][2]string `json:"entries"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return cols, nil, errs.Wrap(errs.CodeNDAPDecode, err, "decoding storage response")
	}
	rows := make([]Row, 0, len(payload.Entries))
	for _, e := range payload.Entries {
		rows = append(rows, Row{"key": e[0], "value": e[1]})
	}
	return cols, rows, nil
}

func fetchCoverage(ctx context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"script_id", "start", "end", "count"}
	raw, err := ex.Send(ctx, "takePreciseCoverage", nil, 0)
	if err != nil {
		return cols, nil, err
	}
	var payload struct {
		Result []struct {
			ScriptID        string `json:"scriptId"`
			Functions       []struct {
				Ranges []struct {
					StartOffset int `json:"startOffset"`
					EndOffset   int `json:"endOffset"`
					Count       int `json:"count"`
				} `json:"ranges"`
			} `json:"functions"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return cols, nil, errs.Wrap(errs.CodeNDAPDecode, err, "decoding coverage response")
	}
	var rows []Row
	for _, s := range payload.Result {
		for _, fn := range s.Functions {
			for _, rg := range fn.Ranges {
				rows = append(rows, Row{
					"script_id": s.ScriptID, "start": rg.StartOffset,
					"end": rg.EndOffset, "count": rg.Count,
				})
			}
		}
	}
	return cols, rows, nil
}

func fetchPerformance(ctx context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"metric", "value"}
	raw, err := ex.Send(ctx, "getMetrics", nil, 0)
	if err != nil {
		return cols, nil, err
	}
	var payload struct {
		Metrics []struct {
			Name  string  `json:"name"`
			Value float64 `json:"value"`
		} `json:"metrics"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return cols, nil, errs.Wrap(errs.CodeNDAPDecode, err, "decoding performance response")
	}
	rows := make([]Row, 0, len(payload.Metrics))
	for _, m := range payload.Metrics {
		rows = append(rows, Row{"metric": m.Name, "value": m.Value})
	}
	return cols, rows, nil
}

// memoryRowWidth is the bytes-per-row width spec §4.5 requires for the
// memory table's hex/ascii dump.
const memoryRowWidth = 16

func fetchMemory(ctx context.Context, where *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"address", "offset", "hex", "ascii"}
	addr, ok := EqFilter(where, "address")
	if !ok {
		return cols, nil, errs.New(errs.CodeRequiredFilter, "memory requires address=")
	}
	length, ok := EqFilter(where, "length")
	if !ok {
		return cols, nil, errs.New(errs.CodeRequiredFilter, "memory requires length=")
	}
	raw, err := ex.Send(ctx, "readMemory", map[string]interface{}{
		"memoryReference": StringLiteral(addr),
		"count":           StringLiteral(length),
	}, 0)
	if err != nil {
		return cols, nil, err
	}
	var payload struct {
		Address string `json:"address"`
		Data    string `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return cols, nil, errs.Wrap(errs.CodeNDAPDecode, err, "decoding memory response")
	}
	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return cols, nil, errs.Wrap(errs.CodeNDAPDecode, err, "decoding memory payload")
	}
	baseAddr, err := strconv.ParseUint(strings.TrimPrefix(payload.Address, "0x"), 16, 64)
	if err != nil {
		baseAddr = 0
	}

	rows := make([]Row, 0, (len(data)+memoryRowWidth-1)/memoryRowWidth)
	for offset := 0; offset < len(data); offset += memoryRowWidth {
		end := offset + memoryRowWidth
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		rows = append(rows, Row{
			"address": fmt.Sprintf("0x%x", baseAddr+uint64(offset)),
			"offset":  offset,
			"hex":     hex.EncodeToString(chunk),
			"ascii":   printableASCII(chunk),
		})
	}
	return cols, rows, nil
}

// printableASCII renders b as ASCII, substituting '.' for any byte outside
// the printable range, matching a conventional hex-dump gutter.
func printableASCII(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 0x20 && c < 0x7f {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}

func fetchDisassembly(ctx context.Context, where *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"address", "instruction", "bytes"}
	addr, ok := EqFilter(where, "address")
	if !ok {
		return cols, nil, errs.New(errs.CodeRequiredFilter, "disassembly requires address=")
	}
	raw, err := ex.Send(ctx, "disassemble", map[string]interface{}{"memoryReference": StringLiteral(addr)}, 0)
	if err != nil {
		return cols, nil, err
	}
	var payload struct {
		Instructions []struct {
			Address             string `json:"address"`
			Instruction         string `json:"instruction"`
			InstructionBytes    string `json:"instructionBytes"`
		} `json:"instructions"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return cols, nil, errs.Wrap(errs.CodeNDAPDecode, err, "decoding disassembly response")
	}
	rows := make([]Row, 0, len(payload.Instructions))
	for _, i := range payload.Instructions {
		rows = append(rows, Row{"address": i.Address, "instruction": i.Instruction, "bytes": i.InstructionBytes})
	}
	return cols, rows, nil
}

func fetchSignals(ctx context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"name", "action"}
	raw, err := ex.Send(ctx, "signals", nil, 0)
	if err != nil {
		return cols, nil, err
	}
	var payload struct {
		Signals []struct {
			Name   string `json:"name"`
			Action string `json:"action"`
		} `json:"signals"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return cols, nil, errs.Wrap(errs.CodeNDAPDecode, err, "decoding signals response")
	}
	rows := make([]Row, 0, len(payload.Signals))
	for _, s := range payload.Signals {
		rows = append(rows, Row{"name": s.Name, "action": s.Action})
	}
	return cols, rows, nil
}

func fetchWatchpoints(ctx context.Context, _ *types.Expr, ex types.Executor) ([]string, []Row, error) {
	cols := []string{"id", "address", "length", "kind", "enabled"}
	raw, err := ex.Send(ctx, "watchpoints", nil, 0)
	if err != nil {
		return cols, nil, err
	}
	var payload struct {
		Watchpoints []struct {
			ID      string `json:"id"`
			Address string `json:"address"`
			Length  int    `json:"length"`
			Kind    string `json:"kind"`
			Enabled bool   `json:"enabled"`
		} `json:"watchpoints"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return cols, nil, errs.Wrap(errs.CodeNDAPDecode, err, "decoding watchpoints response")
	}
	rows := make([]Row, 0, len(payload.Watchpoints))
	for _, w := range payload.Watchpoints {
		rows = append(rows, Row{
			"id": w.ID, "address": w.Address, "length": w.Length,
			"kind": w.Kind, "enabled": w.Enabled,
		})
	}
	return cols, rows, nil
}

// decodeRegisters parses the registers response shared by fetchRegisters'
// live fallback path.
func decodeRegisters(raw json.RawMessage) ([]types.Register, error) {
	var payload struct {
		Registers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"registers"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errs.Wrap(errs.CodeNDAPDecode, err, "decoding registers response")
	}
	regs := make([]types.Register, 0, len(payload.Registers))
	for _, r := range payload.Registers {
		regs = append(regs, types.Register{Name: r.Name, Value: r.Value})
	}
	return regs, nil
}
