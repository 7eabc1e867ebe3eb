package catalog

import "github.com/mark3labs/mcp-go/mcp"

// Default returns the clawdbot gateway tool set.
func Default() *Catalog {
	return MustNew(clawdbotEntries()...)
}

func entry(method string, tool mcp.Tool) Entry {
	return Entry{Tool: tool, Method: method}
}

func withCheck(e Entry, check func(map[string]any) error) Entry {
	e.Check = check
	return e
}

func clawdbotEntries() []Entry {
	return []Entry{
		// Agent
		entry("agent", mcp.NewTool("clawdbot_agent",
			mcp.WithDescription("Execute an AI agent with a message. The agent processes the message and returns a response."),
			mcp.WithString("message", mcp.Required(), mcp.Description("Message for the agent to process")),
			mcp.WithString("model", mcp.Description("Model to use (optional)")),
			mcp.WithString("sessionId", mcp.Description("Session ID for context continuity (optional)")),
		)),

		// Chat
		entry("chat.send", mcp.NewTool("clawdbot_chat_send",
			mcp.WithDescription("Send a chat message to a specific channel (telegram, whatsapp, etc.)"),
			mcp.WithString("channel", mcp.Required(), mcp.Description("Channel name (telegram, whatsapp, email)")),
			mcp.WithString("to", mcp.Required(), mcp.Description("Recipient ID or chat ID")),
			mcp.WithString("text", mcp.Required(), mcp.Description("Message text to send")),
		)),
		entry("chat.history", mcp.NewTool("clawdbot_chat_history",
			mcp.WithDescription("Get chat history from a channel"),
			mcp.WithString("channel", mcp.Required(), mcp.Description("Channel name")),
			mcp.WithString("chatId", mcp.Required(), mcp.Description("Chat/conversation ID")),
			mcp.WithNumber("limit", mcp.Description("Max messages to retrieve (default 50)")),
		)),

		// Config and models
		entry("config.get", mcp.NewTool("clawdbot_config_get",
			mcp.WithDescription("Get Clawdbot configuration"),
			mcp.WithString("path", mcp.Description("JSON path to config section (optional)")),
		)),
		entry("models.list", mcp.NewTool("clawdbot_models_list",
			mcp.WithDescription("List available AI models (local Ollama + cloud providers)"),
		)),

		// Skills
		entry("skills.status", mcp.NewTool("clawdbot_skills_status",
			mcp.WithDescription("Get status of installed skills"),
		)),
		entry("skills.install", mcp.NewTool("clawdbot_skills_install",
			mcp.WithDescription("Install a new skill by name"),
			mcp.WithString("name", mcp.Required(), mcp.Description("Skill name to install")),
		)),

		// Sessions
		entry("sessions.list", mcp.NewTool("clawdbot_sessions_list",
			mcp.WithDescription("List active agent sessions"),
		)),
		entry("sessions.preview", mcp.NewTool("clawdbot_sessions_preview",
			mcp.WithDescription("Preview a session's context/history"),
			mcp.WithString("sessionId", mcp.Required(), mcp.Description("Session ID to preview")),
		)),

		// Cron
		entry("cron.list", mcp.NewTool("clawdbot_cron_list",
			mcp.WithDescription("List scheduled cron jobs"),
		)),
		withCheck(entry("cron.add", mcp.NewTool("clawdbot_cron_add",
			mcp.WithDescription("Add a new scheduled task"),
			mcp.WithString("name", mcp.Required(), mcp.Description("Name for the cron job")),
			mcp.WithString("schedule", mcp.Required(), mcp.Description("Cron expression (e.g., '0 9 * * *' for 9 AM daily)")),
			mcp.WithString("command", mcp.Required(), mcp.Description("Command/message to execute")),
		)), checkSchedule),
		entry("cron.remove", mcp.NewTool("clawdbot_cron_remove",
			mcp.WithDescription("Remove a scheduled task"),
			mcp.WithString("name", mcp.Required(), mcp.Description("Name of the cron job to remove")),
		)),

		// Status
		entry("health", mcp.NewTool("clawdbot_health",
			mcp.WithDescription("Get Clawdbot gateway health status"),
		)),
		entry("status", mcp.NewTool("clawdbot_status",
			mcp.WithDescription("Get detailed Clawdbot status including channels, nodes, and sessions"),
		)),
		entry("channels.status", mcp.NewTool("clawdbot_channels_status",
			mcp.WithDescription("Get status of communication channels (Telegram, WhatsApp, etc.)"),
		)),

		// Memory
		entry("memory.search", mcp.NewTool("clawdbot_memory_search",
			mcp.WithDescription("Search Clawdbot's memory/knowledge base"),
			mcp.WithString("query", mcp.Required(), mcp.Description("Search query")),
			mcp.WithNumber("limit", mcp.Description("Max results (default 10)")),
		)),

		// Nodes
		entry("node.list", mcp.NewTool("clawdbot_node_list",
			mcp.WithDescription("List connected remote nodes"),
		)),
		entry("node.invoke", mcp.NewTool("clawdbot_node_invoke",
			mcp.WithDescription("Invoke a method on a remote node"),
			mcp.WithString("nodeId", mcp.Required(), mcp.Description("ID of the target node")),
			mcp.WithString("method", mcp.Required(), mcp.Description("Method to invoke on the node")),
			mcp.WithObject("params", mcp.Description("Parameters for the method")),
		)),
	}
}
