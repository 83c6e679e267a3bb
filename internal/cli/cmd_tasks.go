package cli

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ai-janitor/minion-factory/internal/db"
	"github.com/ai-janitor/minion-factory/internal/model"
	"github.com/ai-janitor/minion-factory/internal/tasks"
)

func parseTaskID(arg string) (int64, error) {
	return strconv.ParseInt(arg, 10, 64)
}

func (a *App) taskCommands() []*cobra.Command {
	var (
		createSpec      string
		createZone      string
		createBlockedBy []int64
		createFiles     []string
		createClass     string
		createType      string
	)
	create := &cobra.Command{
		Use:   "create-task <title>",
		Short: "Create a task with its spec file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("create-task"); err != nil {
				return err
			}
			title, err := bodyArg(args)
			if err != nil {
				return err
			}
			class := model.Class(createClass)
			if createClass == "" {
				class = model.ClassCoder
			}
			task, err := a.tasks.Create(cmd.Context(), tasks.CreateParams{
				Title:         title,
				Spec:          createSpec,
				Zone:          createZone,
				BlockedBy:     createBlockedBy,
				Files:         createFiles,
				ClassRequired: class,
				TaskType:      createType,
				CreatedBy:     a.caller,
			})
			if err != nil {
				return err
			}
			return a.printJSON(task)
		},
	}
	create.Flags().StringVar(&createSpec, "spec", "", "task spec text, written to the task file")
	create.Flags().StringVar(&createZone, "zone", "", "zone the task belongs to")
	create.Flags().Int64SliceVar(&createBlockedBy, "blocked-by", nil, "task ids that must close first")
	create.Flags().StringSliceVar(&createFiles, "files", nil, "files the task touches")
	create.Flags().StringVar(&createClass, "class", "", "worker class for the opening phase (default coder)")
	create.Flags().StringVar(&createType, "type", "", "flow type (default base)")

	assign := &cobra.Command{
		Use:   "assign-task <id> <agent>",
		Short: "Assign an open task to an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("assign-task"); err != nil {
				return err
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			out, err := a.tasks.Assign(cmd.Context(), id, args[1], a.caller, time.Now().UTC())
			if err != nil {
				return err
			}
			payload := map[string]any{"task": out.TaskID, "assigned_to": out.Agent}
			if out.Warning != "" {
				payload["warning"] = out.Warning
			}
			return a.printJSON(payload)
		},
	}

	pull := &cobra.Command{
		Use:   "pull-task [id]",
		Short: "Race-safe pull of the next actionable task for your class",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("pull-task"); err != nil {
				return err
			}
			var id int64
			if len(args) == 1 {
				var err error
				id, err = parseTaskID(args[0])
				if err != nil {
					return err
				}
			}
			task, err := a.tasks.Pull(cmd.Context(), a.caller, a.class, id, time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(task)
		},
	}

	var (
		updProgress string
		updFiles    []string
	)
	update := &cobra.Command{
		Use:   "update-task <id>",
		Short: "Record progress on your task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("update-task"); err != nil {
				return err
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			if err := a.store.UpdateTask(cmd.Context(), db.TaskUpdate{
				ID: id, Agent: a.caller, Progress: updProgress, Files: updFiles, Now: time.Now().UTC(),
			}); err != nil {
				return err
			}
			return a.printJSON(map[string]any{"task": id, "updated": true})
		},
	}
	update.Flags().StringVar(&updProgress, "progress", "", "progress note")
	update.Flags().StringSliceVar(&updFiles, "files", nil, "files touched so far")

	submit := &cobra.Command{
		Use:   "submit-result <id> <result|->",
		Short: "Attach a result file to a task without moving it",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("submit-result"); err != nil {
				return err
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			result, err := bodyArg(args[1:])
			if err != nil {
				return err
			}
			path, err := a.tasks.SubmitResult(cmd.Context(), id, a.caller, result, time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{"task": id, "result_file": path})
		},
	}

	var (
		completeTo      string
		completeFailed  bool
		completeBlocked bool
		completeReason  string
	)
	complete := &cobra.Command{
		Use:   "complete-phase <id>",
		Short: "Finish your phase: advance, fail back, or report blocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("complete-phase"); err != nil {
				return err
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			out, err := a.tasks.CompletePhase(cmd.Context(), tasks.CompleteParams{
				ID:      id,
				Agent:   a.caller,
				Class:   a.class,
				To:      completeTo,
				Failed:  completeFailed,
				Blocked: completeBlocked,
				Reason:  completeReason,
				Now:     time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			payload := map[string]any{"task": out.Task}
			if len(out.Warnings) > 0 {
				payload["warnings"] = out.Warnings
			}
			return a.printJSON(payload)
		},
	}
	complete.Flags().StringVar(&completeTo, "to", "", "target status (default: the flow's sole forward edge)")
	complete.Flags().BoolVar(&completeFailed, "failed", false, "route the task down the stage's fail branch")
	complete.Flags().BoolVar(&completeBlocked, "blocked", false, "park the task in place with a reason")
	complete.Flags().StringVar(&completeReason, "reason", "", "why the phase failed or is blocked")

	closeTask := &cobra.Command{
		Use:   "close-task <id>",
		Short: "Close a task that has a result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("close-task"); err != nil {
				return err
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			task, err := a.tasks.Close(cmd.Context(), id, a.caller, time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(task)
		},
	}

	reopen := &cobra.Command{
		Use:   "reopen-task <id> [stage]",
		Short: "Move a terminal task back into its flow",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("reopen-task"); err != nil {
				return err
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			var to string
			if len(args) == 2 {
				to = args[1]
			}
			task, err := a.tasks.Reopen(cmd.Context(), id, a.caller, to, time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(task)
		},
	}

	var doneSummary string
	done := &cobra.Command{
		Use:   "done-task <id>",
		Short: "Fast-close a task, optionally writing a summary result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("done-task"); err != nil {
				return err
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			task, err := a.tasks.Done(cmd.Context(), id, a.caller, doneSummary, time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(task)
		},
	}
	done.Flags().StringVar(&doneSummary, "summary", "", "summary written to the results dir")

	get := &cobra.Command{
		Use:   "get-task <id>",
		Short: "Full detail for a single task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("get-task"); err != nil {
				return err
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			task, err := a.store.GetTask(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.printJSON(task)
		},
	}

	var (
		listStatus   string
		listAssigned string
		listZone     string
		listClass    string
	)
	list := &cobra.Command{
		Use:   "list-tasks",
		Short: "List tasks with filters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("list-tasks"); err != nil {
				return err
			}
			items, err := a.store.ListTasks(cmd.Context(), db.TaskFilter{
				Status:     listStatus,
				AssignedTo: listAssigned,
				Project:    a.cfg.Project,
				Zone:       listZone,
				Class:      model.Class(listClass),
			})
			if err != nil {
				return err
			}
			return a.printJSON(items)
		},
	}
	list.Flags().StringVar(&listStatus, "status", "", "filter by status")
	list.Flags().StringVar(&listAssigned, "assigned-to", "", "filter by assignee")
	list.Flags().StringVar(&listZone, "zone", "", "filter by zone")
	list.Flags().StringVar(&listClass, "class", "", "filter by required class")

	lineage := &cobra.Command{
		Use:   "task-lineage <id>",
		Short: "The task's transition history, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("task-lineage"); err != nil {
				return err
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			transitions, err := a.store.TaskLineage(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.printJSON(transitions)
		},
	}

	var commentFiles []string
	addComment := &cobra.Command{
		Use:   "add-comment <id> <comment|->",
		Short: "Attach a comment to a task at its current phase",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("add-comment"); err != nil {
				return err
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			comment, err := bodyArg(args[1:])
			if err != nil {
				return err
			}
			task, err := a.store.GetTask(cmd.Context(), id)
			if err != nil {
				return err
			}
			commentID, err := a.store.AddComment(cmd.Context(), db.CommentCreate{
				TaskID:    id,
				Agent:     a.caller,
				Phase:     task.Status,
				Comment:   comment,
				FilesRead: commentFiles,
				Now:       time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{"comment_id": commentID, "phase": task.Status})
		},
	}
	addComment.Flags().StringSliceVar(&commentFiles, "files-read", nil, "files consulted for this comment")

	listComments := &cobra.Command{
		Use:   "list-comments <id>",
		Short: "List a task's comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("list-comments"); err != nil {
				return err
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			comments, err := a.store.ListComments(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.printJSON(comments)
		},
	}

	return []*cobra.Command{create, assign, pull, update, submit, complete, closeTask, reopen, done, get, list, lineage, addComment, listComments}
}
