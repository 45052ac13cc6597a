package vtable

// DefaultRegistry builds the Registry with every table the daemon ships
// (spec §3, §4.5): state-reflecting tables, on-demand protocol tables, and
// event-store-backed tables.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	registerStateTables(r)
	registerProtocolTables(r)
	registerEventTables(r)
	return r
}
