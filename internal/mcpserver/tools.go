package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the safegate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolValidateAction = mcp.NewTool("validate_action",
	mcp.WithDescription(
		"Check an outbound message or action before sending it on the user's behalf. "+
			"Returns the verdict (allow, soft_rewrite, hard_deny), the enforcement state, "+
			"and an approval token when the action may proceed. "+
			"Never send content that was not allowed; use the safe rewrite instead."),
	mcp.WithString("content",
		mcp.Required(),
		mcp.Description("The exact text that would be sent")),
	mcp.WithString("action_type",
		mcp.Description("Kind of action, e.g. 'send_message' or 'post'")),
	mcp.WithString("platform",
		mcp.Description("Target platform (e.g. 'whatsapp', 'email', 'instagram'). Enables contact caps and quiet hours.")),
	mcp.WithString("recipient",
		mcp.Description("Recipient identifier on the platform")),
	mcp.WithString("urgency",
		mcp.Description("Delivery urgency. 'critical' and 'emergency' bypass quiet hours."),
		mcp.Enum("low", "normal", "high", "critical", "emergency")),
	mcp.WithBoolean("is_minor",
		mcp.Description("Set when the conversation involves a minor")),
	mcp.WithString("timestamp",
		mcp.Description("When the action would happen, RFC 3339. Defaults to now.")),
)

var ToolValidateInbound = mcp.NewTool("validate_inbound",
	mcp.WithDescription(
		"Screen an incoming message before showing it to the user. "+
			"Returns deliver, summarize, delay, silence or escalate, with a safe summary "+
			"or delivery time where applicable."),
	mcp.WithString("content",
		mcp.Required(),
		mcp.Description("The incoming message text")),
	mcp.WithString("sender",
		mcp.Required(),
		mcp.Description("Sender identifier")),
	mcp.WithString("platform",
		mcp.Description("Platform the message arrived on")),
	mcp.WithString("recipient",
		mcp.Description("Recipient identifier on the platform")),
	mcp.WithString("content_type",
		mcp.Description("Message type, e.g. 'text' or 'emergency'")),
	mcp.WithString("urgency",
		mcp.Description("Delivery urgency. 'critical' and 'emergency' bypass quiet hours."),
		mcp.Enum("low", "normal", "high", "critical", "emergency")),
	mcp.WithString("timestamp",
		mcp.Description("When the message arrived, RFC 3339. Defaults to now.")),
	mcp.WithNumber("messages_per_hour",
		mcp.Description("Messages received from this sender in the last hour")),
	mcp.WithNumber("messages_after_block",
		mcp.Description("Messages received from this sender after they were blocked")),
)

var ToolMapEnforcement = mcp.NewTool("map_enforcement",
	mcp.WithDescription(
		"Classify text and return only the enforcement mapping "+
			"(allow, monitor, block, escalate) and severity. Writes no audit records."),
	mcp.WithString("content",
		mcp.Required(),
		mcp.Description("Text to classify")),
)

var ToolAuditTrace = mcp.NewTool("audit_trace",
	mcp.WithDescription(
		"Show the audit trail recorded for a trace id returned by validate_action or validate_inbound."),
	mcp.WithString("trace_id",
		mcp.Required(),
		mcp.Description("Trace id from a previous verdict")),
)
