package agents

const classifierSystem = "You triage a customer support mailbox. Respond only with JSON."

const classifierPrompt = `Classify the following email into exactly one category:
- complaint: the sender is unhappy with a product, service, delivery or a person and expects a remedy
- inquiry: the sender asks a question or requests information about products, services, pricing or policies
- feedback: the sender shares an opinion, praise or a suggestion without asking for anything
- unrelated: spam, newsletters, automated notifications, or anything not addressed to customer support

Respond with a JSON object:
{"category": "<complaint|inquiry|feedback|unrelated>", "reason": "<one short sentence>"}

Email:
From: %s
Subject: %s
Body:
%s`

const querySystem = "You design search queries for a company knowledge base. Respond only with JSON."

const queryPrompt = `Read the customer email below and write at most %d short, self-contained questions
that must be answered from the company knowledge base to reply to it. Do not repeat questions.

Respond with a JSON object:
{"queries": ["<question>", "..."]}

Email:
Subject: %s
Body:
%s`

const writerSystem = "You write replies for a customer support team. Respond only with JSON."

const writerPrompt = `Write a reply to the customer email below.

Category: %s
Guidelines:
%s

Reply rules:
- Address the customer politely and answer every point they raise.
- Plain text only, no markdown, no placeholders such as [Name].
- Keep it concise and end with this sign-off: %s
- Set "escalate" to true only if a human must take over (legal threats, safety issues,
  large commercial opportunities, requests you cannot fulfil).

%s
%s
Respond with a JSON object:
{"draft": "<full reply text>", "escalate": false, "escalation_reason": ""}

Email:
From: %s
Subject: %s
Body:
%s`

const complaintGuidelines = `- Acknowledge the problem and apologise without admitting legal liability.
- Explain the next step the team will take and when the customer will hear back.
- Do not promise refunds, discounts or compensation.`

const feedbackGuidelines = `- Thank the customer for taking the time to write.
- Reflect back the specific point they made so they know it was read.
- Do not promise that a suggestion will be implemented.`

const inquiryGuidelines = `- Answer only with facts stated in the knowledge base passages below.
- If the passages do not cover part of the question, say so and offer to follow up.
- Never invent prices, dates, policies or product details.`

const passagesHeader = "Knowledge base passages:\n"

const noPassagesNote = `No knowledge base passages matched this email. Do not state any specific facts,
prices or policies. Acknowledge the question and say a team member will follow up.`

const revisionHeader = "Earlier drafts and the reviewer's feedback, oldest first:\n"

const revisionNote = "Revise the latest draft so that it resolves every point of the most recent feedback. Keep what was already right."

const verifierSystem = "You review support replies before they are sent. Respond only with JSON."

const verifierPrompt = `Review the draft reply to the customer email below. Check that it:
1. Is relevant: it answers what the customer actually wrote.
2. Is grounded: every factual claim is supported by the knowledge base passages. When there are
   no passages, the draft must not state specific facts, prices or policies.
3. Has a professional, empathetic tone and correct grammar.
4. Is plain text with no placeholders, markdown or internal notes.

Respond with a JSON object:
{"passed": <true|false>, "reasons": ["<specific, actionable problem>", "..."]}
List reasons only when "passed" is false.

Email:
From: %s
Subject: %s
Body:
%s

%s
Draft reply:
%s`
