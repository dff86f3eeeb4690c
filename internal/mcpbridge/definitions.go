package mcpbridge

import (
	"github.com/jmerrifield20/ilminate-mcp/internal/feeds"
	"github.com/jmerrifield20/ilminate-mcp/pkg/mcpmanifest"
)

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func object(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func toolDefinitions() []mcpmanifest.Tool {
	return []mcpmanifest.Tool{
		{
			Name: "analyze_email_threat",
			Description: "Analyze an email for phishing, BEC, malware and impersonation. " +
				"Returns an action (allow, review, quarantine), a 0-1 risk score, confidence, threat categories and indicators. " +
				"degraded=true means the detection backend was unavailable and local heuristics answered.",
			InputSchema: object(map[string]any{
				"sender":      str("From address"),
				"subject":     str("Subject line"),
				"body":        str("Plain-text body"),
				"raw_content": str("Full RFC 822 message, if available"),
				"message_id":  str("Message-ID header"),
				"attachments": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Attachment filenames",
				},
			}),
		},
		{
			Name:        "check_domain_reputation",
			Description: "Check the reputation of a domain or URL. Returns a 0-1 reputation score (lower is worse), is_malicious and threat types.",
			InputSchema: object(map[string]any{
				"domain": str("Domain or URL, e.g. bit.ly/x or https://login.example.com/path"),
			}, "domain"),
		},
		{
			Name:        "scan_image_for_threats",
			Description: "Scan an image for QR-code phishing, logo impersonation, hidden links and payloads disguised as images.",
			InputSchema: object(map[string]any{
				"image_url":    str("URL of the image"),
				"image_base64": str("Base64-encoded image bytes"),
			}),
		},
		{
			Name:        "map_to_mitre_attack",
			Description: "Map a security event description to MITRE ATT&CK techniques.",
			InputSchema: object(map[string]any{
				"event_description": str("Free-text description of the observed activity"),
			}, "event_description"),
		},
		{
			Name:        "get_detection_engine_status",
			Description: "Report detection engine availability, statistics and active layers.",
			InputSchema: object(map[string]any{}),
		},
		{
			Name: "subscribe_to_threat_feed",
			Description: "Subscribe to a threat intelligence feed served by an MCP server. The feed is polled immediately " +
				"and then every update_interval_minutes; updates are applied to the detection backend. " +
				"Subscribing again with the same feed_name replaces the subscription.",
			InputSchema: object(map[string]any{
				"feed_name": str("Unique name of the subscription"),
				"feed_type": map[string]any{
					"type":        "string",
					"enum":        feeds.KindNames(),
					"description": "Kind of intelligence the feed publishes",
				},
				"mcp_server_url":     str("URL of an MCP feed server reachable over HTTP"),
				"mcp_server_command": str("Command that starts an MCP feed server on stdio"),
				"mcp_server_args": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Arguments for mcp_server_command",
				},
				"update_interval_minutes": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"default":     60,
					"description": "Minutes between polls",
				},
				"enabled": map[string]any{
					"type":        "boolean",
					"default":     true,
					"description": "Disabled feeds stay registered but are not polled",
				},
			}, "feed_name", "feed_type"),
		},
		{
			Name:        "unsubscribe_from_threat_feed",
			Description: "Stop polling a threat feed and remove its subscription. Unknown names are a no-op.",
			InputSchema: object(map[string]any{
				"feed_name": str("Name of the subscription to remove"),
			}, "feed_name"),
		},
		{
			Name:        "get_threat_feed_status",
			Description: "Report the status of one threat feed subscription, or of all when feed_name is omitted.",
			InputSchema: object(map[string]any{
				"feed_name": str("Subscription name; omit for all feeds"),
			}),
		},
		{
			Name:        "update_detection_rules",
			Description: "Push detection rules to the backend: YARA rules, signatures, free-form patterns or IOC records.",
			InputSchema: object(map[string]any{
				"rule_type": map[string]any{
					"type": "string",
					"enum": []string{"yara", "signature", "pattern", "ioc"},
				},
				"rules": map[string]any{
					"type":        "array",
					"description": "Rules to apply, e.g. [{\"name\": \"x\", \"rule\": \"rule x { ... }\"}]",
				},
				"source":       str("Who or what supplied the rules"),
				"force_update": map[string]any{"type": "boolean", "default": false},
			}, "rule_type", "rules", "source"),
		},
		{
			Name:        "get_rule_update_history",
			Description: "List the most recent rule updates applied to the backend from the tamper-evident rule ledger.",
			InputSchema: object(map[string]any{
				"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 200, "default": 20},
			}),
		},
	}
}
