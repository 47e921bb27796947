package schema

// envelopeSchema is the fixed wire contract every consumed message must
// satisfy before payload validation. Kept in source rather than on disk so
// the runtime cannot start without it.
const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "$id": "events/envelope",
  "title": "EventEnvelope",
  "type": "object",
  "required": ["event_id", "event_type", "event_version", "occurred_at", "producer", "payload"],
  "properties": {
    "event_id": { "type": "string", "format": "uuid" },
    "event_type": { "type": "string", "pattern": "^[a-z][a-z0-9-]*\\.[a-z][a-z0-9-]*$" },
    "event_version": { "type": "string", "pattern": "^v\\d+$" },
    "occurred_at": { "type": "string", "format": "date-time" },
    "producer": { "type": "string", "minLength": 1 },
    "producer_version": { "type": "string" },
    "producer_instance": { "type": "string" },
    "correlation_id": { "type": "string", "format": "uuid" },
    "causation_id": { "type": "string", "format": "uuid" },
    "parent_event_id": { "type": "string", "format": "uuid" },
    "trace_id": { "type": "string" },
    "routing_key": { "type": "string" },
    "priority": { "type": "string", "enum": ["low", "normal", "high", "critical"] },
    "payload": { "type": "object" },
    "metadata": { "type": "object" }
  }
}`
