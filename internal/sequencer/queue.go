package sequencer

// Task is one step of the router workflow.
type Task string

const (
	TaskLogin    Task = "Login"
	TaskUpgrade  Task = "Upgrade"
	TaskHostname Task = "Hostname"
	TaskWiFi     Task = "WiFi"
	TaskAdmin    Task = "Admin"
	TaskReset    Task = "Reset"
)

// DefaultTasks is the provisioning workflow. Reset is never part of it.
func DefaultTasks() []Task {
	return []Task{TaskLogin, TaskUpgrade, TaskHostname, TaskWiFi, TaskAdmin}
}

// ResetTasks logs in and restores factory defaults.
func ResetTasks() []Task {
	return []Task{TaskLogin, TaskReset}
}

// Queue is the ordered list of tasks still to run.
type Queue struct {
	tasks []Task
}

func NewQueue(tasks ...Task) *Queue {
	return &Queue{tasks: append([]Task(nil), tasks...)}
}

func (q *Queue) Len() int { return len(q.tasks) }

// Front returns the next task without removing it.
func (q *Queue) Front() (Task, bool) {
	if len(q.tasks) == 0 {
		return "", false
	}
	return q.tasks[0], true
}

// Pop removes and returns the next task.
func (q *Queue) Pop() (Task, bool) {
	t, ok := q.Front()
	if ok {
		q.tasks = q.tasks[1:]
	}
	return t, ok
}

// PushFront requeues t ahead of everything else.
func (q *Queue) PushFront(t Task) {
	q.tasks = append([]Task{t}, q.tasks...)
}

// Snapshot returns a copy of the pending tasks.
func (q *Queue) Snapshot() []Task {
	return append([]Task(nil), q.tasks...)
}
