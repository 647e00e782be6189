// Package discordgpt implements a Discord bot that relays user messages to
// an OpenAI chat completion endpoint and keeps per-conversation history.
//
// A conversation starts with the /chat slash command. Every reply the bot
// sends is addressable by its Discord message ID, and replying to one of
// those messages continues the conversation it belongs to.
//
// Key components of the package include:
//
//   - Bot: wires the Discord session, the OpenAI client, the database and
//     the admin API together, and owns the runtime lifecycle.
//   - TurnOrchestrator: runs a single user turn. It takes the reply lock,
//     loads history, calls the completion provider, renders the reply and
//     persists the exchange.
//   - StreamAccumulator: reassembles server-sent completion chunks into
//     the reply text and decides when the outbound message gets edited.
//   - ConversationStore: persists conversations under a stable internal ID,
//     with bot message IDs kept as a secondary lookup index.
//   - ReplyLocker: keeps two completions from running against the same
//     bot message at once (in-memory, database or postgres advisory locks).
//   - API: a small authenticated admin API with health, metrics and
//     conversation management endpoints.
//
// The bot supports these commands:
//
//   - /chat: starts a new conversation, optionally streamed, raw, or with
//     a prompt preset and persona.
//   - /clear: deletes all of the caller's stored conversations.
//   - /ping: replies "Pong!".
package discordgpt
