// Package primebot implements PRIME-Bot, the community bot for the PRIME
// multigaming Discord server.
//
// Features:
//
//   - Leveling: members earn XP for chatting, with a per-user cooldown,
//     and level up along a quadratic curve.
//   - Economy: XP can be converted to coins, which are spent on roulette,
//     slots, duels and the hourly bank heist.
//   - Birthdays: members register their birthday, and get a coin reward
//     and a temporary role on the day.
//   - Twitch: live alerts for watched streamers, polled from the helix API.
//   - Temporary voice channels: joining the trigger channel creates a
//     channel owned by the member, deleted once it's been left empty.
//
// The bot is driven by text commands with a configurable prefix (".rank",
// ".prime heist join 100", etc.). Clock-driven jobs (birthday rewards,
// heists) run on an internal scheduler, in the configured timezone.
//
// [API] serves a dashboard with leaderboards, live streamers and upcoming
// birthdays, a websocket feed of bot events, and admin endpoints to
// pause the bot and edit its [RuntimeConfig].
//
// State is kept in sqlite or postgres, except for birthdays, which are
// stored in a JSON file.
package primebot
