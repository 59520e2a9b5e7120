package parser

// Inbox is the channel every parser consumes raw log lines from
const Inbox = "PARSER"

// Well-known outbox channels, one per parser family. Aggregators subscribe to
// these names directly.
const (
	JVMEventParser           = "JVMEventParser"
	SurvivorMemoryPoolParser = "SurvivorMemoryPoolParser"
	GenerationalHeapParser   = "GenerationalHeapParser"
	CMSTenuredPoolParser     = "CMSTenuredPoolParser"
	G1GCParser               = "G1GCParser"
	ZGCParser                = "ZGCParser"
	ShenandoahParser         = "ShenandoahParser"
)

// Outboxes lists every well-known outbox channel
func Outboxes() []string {
	return []string{
		JVMEventParser,
		SurvivorMemoryPoolParser,
		GenerationalHeapParser,
		CMSTenuredPoolParser,
		G1GCParser,
		ZGCParser,
		ShenandoahParser,
	}
}
