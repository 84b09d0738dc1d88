package agent

import (
	"encoding/json"

	"github.com/tracelab/backend/internal/llm"
)

const plannerSystemPrompt = `You are an AI-powered PLANNER agent specialized in signal processing and strategic planning.

You will be provided with:
- A time-series dataset collected from various sensors, representing different physical quantities over time during industrial operation. During the operation, a series of events was undertaken. Each event can be identified from the time-series based on its own pattern.
- A description of event patterns
- A list of tools to plot the dataset

The user's objective is to identify the starting and ending indices of each event.
Since the dataset can be large and the list of events long, your task is to perform high-level global analysis of the entire time-series, plan the event identification and verification process, and divide it into subtasks.
The detailed identification and verification is performed by two specialized agents following your guidance: an IDENTIFIER agent for identification tasks and a VALIDATOR agent for verification tasks. Provide meaningful instructions for each subtask so these agents can work efficiently. The agents undertake the subtasks sequentially.

Your role is to:
1. Perform high-level global analysis of the entire time-series dataset
2. Create a strategic identification plan:
    - Order the events by the distinctiveness of their pattern and visual clarity.
    - Group events with strong interdependencies; identify such a group together in one subtask.
    - Provide potential window ranges covering the interdependent events along with clear instructions for each subtask.
    - IMPORTANT: never include specific window ranges, index numbers, or time ranges in task instructions. Windows must go in the potential_windows field. Instructions should focus only on visual patterns, characteristics, and identification guidance.
    - Assign a verification task after a round of identification tasks to ensure the results match the sequential rules.
    - Before giving the final result, make sure all results that need verification have been verified.
3. Dynamically update the plan based on the subtask results from the IDENTIFIER and VALIDATOR agents.
4. Coordinate the overall identification process.

YOUR TOOLS (LIMITED TO GLOBAL ANALYSIS):
- plot_window_with_window_size(mid_idx, window_size, y_zoomed): examine a section centered on mid_idx. If y_zoomed is True, the y-axis is scaled to the window; otherwise it covers the full dataset range.

RULES:
- Call one tool at a time.
- Always update the plan before assigning a task to the IDENTIFIER or VALIDATOR agent.`

const plannerInitTemplate = `PLANNER TASK ASSIGNMENT
=======================

PROJECT CONTEXT:
%s

EVENT PATTERNS TO IDENTIFY:
%s

DATASET OVERVIEW:
%s

TARGET EVENTS:
%s

YOUR PLANNING MISSION:
1. Analyze the complete dataset to understand global patterns
2. Create a strategic plan for event identification and verification
3. Order events by distinctiveness and visual clarity
4. Group interdependent events together
5. Provide windows and instructions for the worker agents
6. Coordinate the overall identification and verification process

REMEMBER:
- Focus on high-level strategy and coordination
- Never include specific window ranges or index numbers in task instructions; provide windows separately in the potential_windows field
- Monitor progress and adjust the plan as needed`

const identifierSystemPrompt = `You are an AI-powered WORKER agent. Your job is to precisely identify the start and end indices of specific events in a time-series dataset, based on instructions from a PLANNER agent and using a suite of analysis tools.

You will receive:
- A time-series dataset collected from multiple sensors.
- Descriptions of the patterns that define each event.
- Instructions from the PLANNER specifying which events to identify. These instructions do NOT contain correct specific window ranges.
- Separate window information refined for your analysis.
- Access to a set of tools for plotting, navigating and inspecting the data.

TOOLKIT:
- plot_window(start, end, y_zoomed): plot rows start (inclusive) to end (exclusive).
- plot_window_with_window_size(mid_idx, window_size, y_zoomed): plot a window centered at mid_idx.
- plot_left() / plot_right(): move the current window by 3/4 of its width.
- plot_zoom_in_x() / plot_zoom_out_x(): halve or double the current window width.
- plot_zoom_in_y() / plot_zoom_out_y(): adapt the y-axis to the window or reset it.
- plot_derivative(channels) / plot_second_derivative(channels): plot channels with their derivatives.
- plot_with_y_range(y_ranges): plot the current window with custom y-axis ranges per channel.
- lookup_x(x_list): y-values of all channels at the given indices.
- lookup_y(col, y_value): indices where a channel reaches or crosses the given y-values.
- get_value(): text table of the current window (downsampled when large).

STRATEGIC APPROACH:
1. Begin with the windows suggested by the PLANNER; they are broad and may not be exact.
2. Use the tools to precisely locate event boundaries.
3. For each event, provide visual or data evidence and state your confidence.
4. Ensure the change pattern is completely observed during the event.
5. Call one tool at a time, and complete the task efficiently.`

const identifierInitTemplate = `TASK ASSIGNMENT FOR WORKER AGENT
================================

EVENT PATTERNS TO IDENTIFY:
%s

DATASET OVERVIEW:
%s

CURRENT PROGRESS:
- Events already identified: %s
- Total events found so far: %d

TASK DETAILS:
- Task ID: %s
- Events to identify: %s

INSTRUCTIONS:
%s
NOTE: the instructions above do NOT contain correct specific window ranges.

POTENTIAL WINDOWS TO LOOK INTO:
%s
NOTE: these window ranges have been refined for your analysis. Use them as starting points.

YOUR MISSION:
1. Focus on the events listed above
2. Use the suggested windows as starting points (they may be approximate)
3. Employ the analysis tools to identify exact start/end indices
4. Provide visual evidence for each finding
5. Report back with structured results including recommendations`

const validatorSystemPrompt = `You are an AI-powered VALIDATOR agent specialized in verifying event identifications in time-series data based on sequential rules and interdependency patterns.

You will receive:
- A time-series dataset collected from multiple sensors
- Event patterns and their sequential rules
- Current event identification results that need verification
- Instructions from the PLANNER specifying which events to validate
- Access to plotting and inspection tools

YOUR RESPONSIBILITIES:
1. Examine the identification results for compliance with sequential rules and interdependency patterns
2. Validate the temporal relationships between events
3. Check for violations of occurrence constraints
4. Verify that events occur within expected contexts
5. Recommend keeping or removing each event occurrence, with clear reasoning

TOOLKIT:
- plot_window(start, end, y_zoomed)
- plot_window_with_window_size(mid_idx, window_size, y_zoomed)

RULES:
- Call one tool at a time
- For each validated event decide "keep" or "remove" and explain why
- Complete the validation efficiently while being thorough`

const validatorInitTemplate = `VALIDATION TASK ASSIGNMENT
==========================

EVENT PATTERNS AND SEQUENTIAL RULES:
%s

DATASET OVERVIEW:
%s

VALIDATION CRITERIA:
1. Sequential Rules: check temporal ordering of events
2. Occurrence Constraints: verify single vs. multiple occurrence rules
3. Context Dependencies: ensure events occur within required contexts
4. Pattern Completeness: confirm full visual patterns are observed

TASK DETAILS:
- Task ID: %s
- Events to validate: %s

SPECIFIC EVENTS TO VERIFY:
%s

INSTRUCTIONS:
%s

POTENTIAL WINDOWS TO EXAMINE:
%s

YOUR VALIDATION MISSION:
1. Examine each identification result against the sequential rules
2. Use the tools to verify questionable identifications
3. Decide "keep" or "remove" for each event with clear reasoning
4. Report structured validation results back to the planner`

// Structured-output schemas, one per node. tool_call carries the plotting
// command as a code string; it is parsed and dispatched, never evaluated.
var (
	plannerSchema    = responseSchema("planner_response", plannerSchemaJSON)
	identifierSchema = responseSchema("identifier_response", identifierSchemaJSON)
	validatorSchema  = responseSchema("validator_response", validatorSchemaJSON)
)

func responseSchema(name, schema string) *llm.ResponseFormat {
	return &llm.ResponseFormat{
		Type: "json_schema",
		JSONSchema: &llm.JSONSchema{
			Name:   name,
			Schema: json.RawMessage(schema),
		},
	}
}

const planItemSchemaJSON = `{
  "type": "object",
  "properties": {
    "task_id": {"type": "string"},
    "task_description": {"type": "string"},
    "task_type": {"type": "string", "enum": ["identification", "verification"]},
    "is_done": {"type": "boolean"}
  },
  "required": ["task_id", "task_description", "task_type", "is_done"]
}`

const windowsSchemaJSON = `{
  "type": "array",
  "items": {"type": "array", "items": {"type": "integer"}, "minItems": 2, "maxItems": 2}
}`

const plannerSchemaJSON = `{
  "type": "object",
  "properties": {
    "raw_message": {"type": "string", "description": "The reasoning behind this step."},
    "tool_call": {"type": "string", "description": "A single plotting command, e.g. plot_window_with_window_size(5000, 2000, True). Only set when a tool is needed."},
    "additional_info": {
      "type": "object",
      "description": "Structured planner decision. Populate exactly one field.",
      "properties": {
        "plan": {"type": "array", "items": ` + planItemSchemaJSON + `},
        "identifier_task": {
          "type": "object",
          "properties": {
            "task_id": {"type": "string"},
            "task_type": {"type": "string"},
            "instructions": {"type": "array", "items": {"type": "string"}},
            "events_name": {"type": "array", "items": {"type": "string"}},
            "potential_windows": ` + windowsSchemaJSON + `
          },
          "required": ["task_id", "instructions", "events_name", "potential_windows"]
        },
        "validator_task": {
          "type": "object",
          "properties": {
            "task_id": {"type": "string"},
            "task_type": {"type": "string"},
            "instructions": {"type": "array", "items": {"type": "string"}},
            "events_to_verify": {"type": "array", "items": {"type": "string"}},
            "potential_windows": ` + windowsSchemaJSON + `
          },
          "required": ["task_id", "instructions", "events_to_verify", "potential_windows"]
        },
        "final_result": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "event_name": {"type": "string"},
              "start": {"type": "integer"},
              "end": {"type": "integer"}
            },
            "required": ["event_name", "start", "end"]
          }
        }
      }
    }
  },
  "required": ["raw_message"]
}`

const eventFoundSchemaJSON = `{
  "type": "object",
  "properties": {
    "event_id": {"type": "string", "description": "Unique id, e.g. eventname_start_end."},
    "event_name": {"type": "string"},
    "start_index": {"type": "integer"},
    "end_index": {"type": "integer"},
    "visual_pattern": {"type": "string"},
    "need_verification": {"type": "boolean"},
    "verification_guidance": {"type": "string"},
    "verification_result": {"type": "string", "enum": ["not verified", "keep", "remove"]}
  },
  "required": ["event_id", "event_name", "start_index", "end_index", "visual_pattern", "need_verification", "verification_guidance", "verification_result"]
}`

const identifierSchemaJSON = `{
  "type": "object",
  "properties": {
    "raw_message": {"type": "string"},
    "tool_call": {"type": "string", "description": "A single tool command string. Only set when a tool is needed."},
    "task_result": {
      "type": "object",
      "properties": {
        "task_id": {"type": "string"},
        "status": {"type": "boolean"},
        "events_found": {"type": "array", "items": ` + eventFoundSchemaJSON + `},
        "recommendations": {"type": "string"}
      },
      "required": ["task_id", "status", "events_found", "recommendations"]
    }
  },
  "required": ["raw_message"]
}`

const validatorSchemaJSON = `{
  "type": "object",
  "properties": {
    "raw_message": {"type": "string"},
    "tool_call": {"type": "string", "description": "A single tool command string. Only set when a tool is needed."},
    "task_result": {
      "type": "object",
      "properties": {
        "task_id": {"type": "string"},
        "status": {"type": "boolean"},
        "validation_results": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "event_id": {"type": "string"},
              "remove": {"type": "boolean"}
            },
            "required": ["event_id", "remove"]
          }
        },
        "recommendations": {"type": "string"}
      },
      "required": ["task_id", "status", "validation_results", "recommendations"]
    }
  },
  "required": ["raw_message"]
}`
