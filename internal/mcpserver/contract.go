package mcpserver

// RecordFormatContract describes the payload conventions that LLM consumers
// should follow when storing or interpreting vault records.
const RecordFormatContract = `# Heirloom Record Format Contract

Every record stored in Heirloom belongs to a category and carries a flat
JSON payload.

## Categories

- ` + "`documents`" + ` — wills, deeds, insurance policies, certificates.
- ` + "`contacts`" + ` — executors, attorneys, beneficiaries, family members.
- ` + "`accounts`" + ` — financial and online accounts (references only, never
  credentials).
- ` + "`wishes`" + ` — funeral preferences, personal messages, ethical wills.
- ` + "`assets`" + ` — property, valuables, heirlooms and their stories.

## Rules

1. **Payloads are flat JSON objects.** Top-level fields only; queries match
   on shallow field equality, so nested structure is invisible to filters.
2. **Use a ` + "`title`" + ` field** on every payload. It is the primary display
   name in the UI.
3. **Field names** are lowercase snake_case (e.g. ` + "`expiry_date`" + `,
   ` + "`phone_number`" + `).
4. **Dates** are ISO-8601 strings (` + "`2026-03-15`" + `).
5. **Never store secrets** (passwords, PINs, recovery codes) in payloads.
   Reference where they live instead (e.g. "safe deposit box 41").
6. A record you store while the vault is locked is saved WITHOUT encryption.
   Check vault_status first and tell the user to unlock when it reports
   locked.

## Example

` + "```" + `json
{
  "title": "Homeowner insurance policy",
  "provider": "Meridian Mutual",
  "policy_number": "HM-2209-4417",
  "expiry_date": "2026-11-01",
  "notes": "Original in the blue folder, study shelf."
}
` + "```" + `
`
